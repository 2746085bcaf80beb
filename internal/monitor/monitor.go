// Package monitor implements the optional, read-only HTTP introspection
// surface: waveform/slice state and last-set meter values for operators
// and tests, never a second path to issue commands or mutate state.
package monitor

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	waveformsdk "github.com/flexradio/waveform-sdk"
	"github.com/flexradio/waveform-sdk/internal/logging"
	"github.com/flexradio/waveform-sdk/internal/meter"
)

// Server serves read-only JSON views of one Radio's waveforms and
// meters.
type Server struct {
	srv *http.Server
	log logging.Logger
}

// WaveformView is the JSON shape returned by GET /waveforms.
type WaveformView struct {
	ShortName   string `json:"short_name"`
	FullName    string `json:"full_name"`
	State       string `json:"state"`
	ActiveSlice int    `json:"active_slice,omitempty"`
}

// MeterView is the JSON shape returned by GET /meters.
type MeterView struct {
	Waveform string `json:"waveform"`
	Name     string `json:"name"`
	Unit     string `json:"unit"`
	Value    *int32 `json:"value,omitempty"`
}

// New builds a Server bound to addr (not yet listening) that reports on
// radio's current waveform/meter state.
func New(addr string, radio *waveformsdk.Radio, log logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/waveforms", func(c *gin.Context) {
		c.JSON(http.StatusOK, waveformViews(radio))
	})
	router.GET("/meters", func(c *gin.Context) {
		c.JSON(http.StatusOK, meterViews(radio))
	})
	router.GET("/healthz", func(c *gin.Context) {
		if !radio.Connected() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"connected": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"connected": true})
	})

	return &Server{
		srv: &http.Server{Addr: addr, Handler: router},
		log: log,
	}
}

// Start listens until ctx is canceled, then shuts down gracefully. It
// blocks until the listener returns, logging the terminal error unless
// it's the expected close-on-shutdown.
func (s *Server) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("monitor server shutdown", logging.Field{Key: "error", Value: err})
		}
	}()

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.Warn("monitor server exited", logging.Field{Key: "error", Value: err})
	}
}

func waveformViews(radio *waveformsdk.Radio) []WaveformView {
	waveforms := radio.Waveforms()
	out := make([]WaveformView, 0, len(waveforms))
	for _, w := range waveforms {
		v := WaveformView{
			ShortName: w.ShortName(),
			FullName:  w.FullName(),
			State:     w.State().String(),
		}
		if n, ok := w.ActiveSlice(); ok {
			v.ActiveSlice = n
		}
		out = append(out, v)
	}
	return out
}

func meterViews(radio *waveformsdk.Radio) []MeterView {
	var out []MeterView
	for _, w := range radio.Waveforms() {
		for _, m := range w.Meters() {
			view := MeterView{Waveform: w.ShortName(), Name: m.Name, Unit: string(m.Unit)}
			if v := m.Value(); v != meter.Unset {
				val := v
				view.Value = &val
			}
			out = append(out, view)
		}
	}
	return out
}
