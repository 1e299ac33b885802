package observability

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// StartOpsServer exposes /healthz and /metrics on addr for the duration of a
// run. Mostly useful for the historical importer, which runs long enough to
// be scraped. Returns the server so the caller can Shutdown it.
func StartOpsServer(addr string, logger *zap.Logger) *http.Server {
	router := mux.NewRouter()
	router.Handle("/metrics", MetricsHandler()).Methods("GET")
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")

	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("ops listener starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops listener", zap.Error(err))
		}
	}()

	return srv
}
