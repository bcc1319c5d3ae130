// Package smoke runs functional probes against newly deployed units after
// they report healthy but before they receive live traffic. The ordering is
// the core safety property of the pipeline: broken new code never serves
// production requests.
package smoke
