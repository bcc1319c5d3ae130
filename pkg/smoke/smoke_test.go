package smoke

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capstanhq/capstan/pkg/health"
	"github.com/capstanhq/capstan/pkg/log"
	"github.com/capstanhq/capstan/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
}

// pathChecker answers healthy only for URLs ending in one of its paths.
type pathChecker struct {
	url string
	ok  map[string]bool
}

func (p pathChecker) Check(ctx context.Context) health.Result {
	for suffix, ok := range p.ok {
		if ok && len(p.url) >= len(suffix) && p.url[len(p.url)-len(suffix):] == suffix {
			return health.Result{Healthy: true}
		}
	}
	return health.Result{Healthy: false, Message: "HTTP 404"}
}

func (p pathChecker) Type() health.CheckType { return health.CheckTypeHTTP }

func newSmokeTester(ok map[string]bool) (*Tester, *[]string) {
	var probed []string
	t := NewTester()
	t.Attempts = 1
	t.NewChecker = func(url string) health.Checker {
		probed = append(probed, url)
		return pathChecker{url: url, ok: ok}
	}
	return t, &probed
}

func unit(name string, port int) *types.Unit {
	return &types.Unit{
		ID: "shop-prod-" + name + "-blue", Target: "shop/prod",
		SpecName: name, Port: port, State: types.UnitStateRunning,
	}
}

func TestPrimaryPathPasses(t *testing.T) {
	tester, probed := newSmokeTester(map[string]bool{"/health": true})

	specs := map[string]*types.UnitSpec{
		"api": {Name: "api", Role: types.UnitRoleAPI, Port: 8080},
	}
	err := tester.Run(context.Background(), []*types.Unit{unit("api", 8080)}, specs)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://127.0.0.1:8080/health"}, *probed)
}

func TestFallbackPathPasses(t *testing.T) {
	// /health 404s but / answers; api units accept the fallback.
	tester, probed := newSmokeTester(map[string]bool{"/": true})

	specs := map[string]*types.UnitSpec{
		"api": {Name: "api", Role: types.UnitRoleAPI, Port: 8080},
	}
	err := tester.Run(context.Background(), []*types.Unit{unit("api", 8080)}, specs)
	require.NoError(t, err)
	assert.Len(t, *probed, 2)
}

func TestAllPathsFailing(t *testing.T) {
	tester, _ := newSmokeTester(nil)

	specs := map[string]*types.UnitSpec{
		"web": {Name: "web", Role: types.UnitRoleWeb, Port: 8081},
	}
	err := tester.Run(context.Background(), []*types.Unit{unit("web", 8081)}, specs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smoke test failed")
}

func TestUnitsWithoutRoleSkipped(t *testing.T) {
	tester, probed := newSmokeTester(nil)

	specs := map[string]*types.UnitSpec{
		"worker": {Name: "worker", Port: 8082},
	}
	err := tester.Run(context.Background(), []*types.Unit{unit("worker", 8082)}, specs)
	require.NoError(t, err)
	assert.Empty(t, *probed)
}

func TestProbesGoDirectToUnitPort(t *testing.T) {
	tester, probed := newSmokeTester(map[string]bool{"/": true})

	specs := map[string]*types.UnitSpec{
		"web": {Name: "web", Role: types.UnitRoleWeb, Port: 9443},
	}
	err := tester.Run(context.Background(), []*types.Unit{unit("web", 9443)}, specs)
	require.NoError(t, err)
	require.NotEmpty(t, *probed)
	assert.Equal(t, "http://127.0.0.1:9443/", (*probed)[0])
}
