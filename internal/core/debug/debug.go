package debug

import (
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"

	"github.com/sirupsen/logrus"
)

// StartUtilities starts the default pprof HTTP server on localhost so that
// runtime information about the server can be collected. See
// https://golang.org/pkg/net/http/pprof/. The returned address is the one
// actually listened on.
func StartUtilities(logger logrus.FieldLogger, pprofPort int) (net.Addr, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", pprofPort))
	if err != nil {
		return nil, fmt.Errorf("error starting pprof server: %w", err)
	}
	logger.Infof("starting pprof server on %s", listener.Addr())

	go func() {
		if err := http.Serve(listener, nil); err != nil {
			logger.Infof("pprof server stopped: %s", err)
		}
	}()
	return listener.Addr(), nil
}
