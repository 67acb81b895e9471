package telemetry

import (
	"fmt"

	"github.com/grafana/pyroscope-go"
	log "github.com/sirupsen/logrus"
)

// InitPyroscope starts continuous profiling against the pyroscope server at
// url, tagging profiles with the bitcoin network. The returned function
// stops the profiler; it is nil when url is empty.
func InitPyroscope(url, network string) (func(), error) {
	if url == "" {
		return nil, nil
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: serviceName,
		ServerAddress:   url,
		Tags:            map[string]string{"network": network},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileGoroutines,
			pyroscope.ProfileMutexDuration,
			pyroscope.ProfileBlockDuration,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start pyroscope profiler: %s", err)
	}
	log.WithField("server", url).Info("pyroscope profiler started")

	return func() {
		if err := profiler.Stop(); err != nil {
			log.WithError(err).Warn("failed to stop pyroscope profiler")
			return
		}
		log.Debug("pyroscope profiler stopped")
	}, nil
}
