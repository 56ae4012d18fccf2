package debug

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
)

func TestStartUtilities(t *testing.T) {
	logger, hook := test.NewNullLogger()
	addr, err := StartUtilities(logger, 0)
	if err != nil {
		t.Fatalf("StartUtilities() returned an unexpected error: %v", err)
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/debug/pprof/", addr))
	if err != nil {
		t.Fatalf("error requesting pprof index: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200 from pprof, got %d", resp.StatusCode)
	}

	if entry := hook.LastEntry(); entry == nil {
		t.Error("expected the pprof address to be logged")
	}
}
