package controlplane

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/driftsync/driftsync/internal/task"
	"github.com/driftsync/driftsync/internal/version"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func setupRoutes(supervisor *task.Supervisor) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"app":     version.AppName,
			"version": version.Detailed(),
		})
	})

	v1 := r.Group("/v1")
	{
		v1.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"tasks": supervisor.Status()})
		})

		v1Tasks := v1.Group("/tasks")
		{
			v1Tasks.GET("", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"tasks": supervisor.Status()})
			})
			v1Tasks.GET("/:id", func(c *gin.Context) {
				st, err := supervisor.TaskStatus(c.Param("id"))
				if err != nil {
					taskError(c, err)
					return
				}
				c.JSON(http.StatusOK, st)
			})
			v1Tasks.POST("/:id/start", taskOp(func(c *gin.Context) error {
				return supervisor.Start(c.Request.Context(), c.Param("id"))
			}))
			v1Tasks.POST("/:id/stop", taskOp(func(c *gin.Context) error {
				return supervisor.Stop(c.Param("id"))
			}))
			v1Tasks.POST("/:id/pause", taskOp(func(c *gin.Context) error {
				return supervisor.Pause(c.Param("id"))
			}))
			v1Tasks.POST("/:id/resume", taskOp(func(c *gin.Context) error {
				return supervisor.Resume(c.Param("id"))
			}))
			v1Tasks.POST("/:id/run", taskOp(func(c *gin.Context) error {
				return supervisor.RunNow(c.Param("id"))
			}))
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method not allowed"})
	})

	return r.Handler()
}

func taskOp(fn func(c *gin.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(c); err != nil {
			taskError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func taskError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, task.ErrUnknownTask):
		status = http.StatusNotFound
	case errors.Is(err, task.ErrBadTransition):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
