package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CZERTAINLY/chatster/internal/service"
)

// AdminHandler returns the status API. It must be called after Launch.
func (l *Launcher) AdminHandler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/healthz", l.healthz)
	g.GET("/profiles", l.listProfiles)
	g.GET("/plugins", l.listPlugins)
	g.POST("/profiles/:id/launch", l.launchProfile)
	return g
}

// serveAdmin binds addr before returning, so a taken address fails Launch.
func (l *Launcher) serveAdmin(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin API: %w", err)
	}
	l.adminAddr = ln.Addr().String()
	l.admin = &http.Server{
		Handler:           l.AdminHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.InfoContext(ctx, "Admin API listening", "addr", l.adminAddr)
	go func() {
		if err := l.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "admin API failed", "error", err)
		}
	}()
	return nil
}

// AdminAddr returns the address the admin API listens on, empty when it is
// not configured.
func (l *Launcher) AdminAddr() string {
	return l.adminAddr
}

func (l *Launcher) healthz(c *gin.Context) {
	status, code := "ok", http.StatusOK
	if l.supervisor.Stopping() {
		status, code = "stopping", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":  status,
		"running": len(l.supervisor.Running()),
		"pending": l.supervisor.Pending(),
	})
}

func (l *Launcher) listProfiles(c *gin.Context) {
	runs := l.supervisor.Running()
	running := make(map[string]service.Run, len(runs))
	for _, run := range runs {
		running[run.ProfileID] = run
	}

	type entry struct {
		ID      string       `json:"id"`
		Running bool         `json:"running"`
		Run     *service.Run `json:"run,omitempty"`
	}
	out := make([]entry, 0, len(l.order))
	for _, id := range l.order {
		e := entry{ID: id}
		if run, ok := running[id]; ok {
			e.Running = true
			e.Run = &run
		}
		out = append(out, e)
	}
	c.JSON(http.StatusOK, out)
}

func (l *Launcher) listPlugins(c *gin.Context) {
	type entry struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	records := l.plugins.Records()
	out := make([]entry, 0, len(records))
	for _, rec := range records {
		out = append(out, entry{ID: rec.ID, Name: rec.Name})
	}
	c.JSON(http.StatusOK, out)
}

func (l *Launcher) launchProfile(c *gin.Context) {
	id := c.Param("id")
	p, ok := l.profiles[id]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"err": "unknown profile " + id})
		return
	}
	err := l.supervisor.Launch(c.Request.Context(), p)
	switch {
	case errors.Is(err, service.ErrAlreadyRunning), errors.Is(err, service.ErrStopping):
		c.JSON(http.StatusConflict, gin.H{"err": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"launched": id})
	}
}
