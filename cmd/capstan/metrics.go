package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/capstanhq/capstan/pkg/metrics"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Serve Prometheus metrics over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())

		fmt.Printf("Serving metrics on %s/metrics\n", listen)
		return http.ListenAndServe(listen, mux)
	},
}

func init() {
	metricsCmd.Flags().String("listen", "127.0.0.1:9109", "Listen address")
}
