// Package api serves kernel loading and launching over HTTP.
package api

import (
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/ufi/internal/kernel"
	"github.com/samcharles93/ufi/internal/logger"
	"github.com/samcharles93/ufi/internal/store"
	"github.com/samcharles93/ufi/internal/taskrt"
	"github.com/samcharles93/ufi/internal/tasks"
)

type Server struct {
	rt    *taskrt.Runtime
	log   logger.Logger
	clock func() time.Time
}

func NewServer(rt *taskrt.Runtime, log logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{rt: rt, log: log, clock: time.Now}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/kernels", s.handleLoadKernel)
	e.GET("/v1/kernels", s.handleListKernels)
	e.POST("/v1/launches", s.handleLaunch)
	e.GET("/healthz", func(c *echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":     "ok",
			"backend":    s.rt.Driver().Name(),
			"processors": len(s.rt.Processors()),
		})
	})
}

func (s *Server) handleLoadKernel(c *echo.Context) error {
	req, err := decodeJSON[LoadKernelRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.PTX == "" {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "ptx is required", "ptx", "")
	}
	entries := kernel.EntryNames(req.PTX)
	if len(entries) == 0 {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "ptx declares no .visible .entry", "ptx", "")
	}
	if req.Name != "" && !slices.Contains(entries, req.Name) {
		return writeError(c, http.StatusBadRequest, "invalid_request_error",
			fmt.Sprintf("ptx does not declare entry %q (declared: %v)", req.Name, entries), "name", "")
	}

	name, err := tasks.LoadPTX(c.Request().Context(), s.rt, req.PTX, req.Name)
	if err != nil {
		s.log.Error("load kernel failed", "kernel", req.Name, "err", err)
		return writeTaskError(c, err)
	}
	s.log.Info("kernel loaded", "kernel", name)
	return c.JSON(http.StatusOK, LoadKernelResponse{
		ID:         newKernelID(),
		Object:     "kernel",
		Name:       name,
		Entries:    entries,
		Processors: len(s.rt.Processors()),
		CreatedAt:  s.clock().Unix(),
	})
}

func (s *Server) handleListKernels(c *echo.Context) error {
	byProc, err := s.rt.Kernels()
	if err != nil {
		return writeTaskError(c, err)
	}
	data := []KernelInfo{}
	for _, p := range s.rt.Processors() {
		for _, k := range byProc[p.ID] {
			data = append(data, KernelInfo{Name: k.Symbol, Processor: p.ID, Context: k.Context.String()})
		}
	}
	return c.JSON(http.StatusOK, ListKernelsResponse{Object: "list", Data: data})
}

func (s *Server) handleLaunch(c *echo.Context) error {
	req, err := decodeJSON[LaunchRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Kernel == "" {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "kernel is required", "kernel", "")
	}
	for _, f := range []struct {
		param string
		shape []uint64
	}{{"a_shape", req.AShape}, {"b_shape", req.BShape}, {"shape", req.Shape}} {
		if _, err := store.Shape(f.shape).CheckedVolume(); err != nil {
			return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), f.param, "shape_overflow")
		}
	}

	// A run for an unloaded kernel is fatal inside the runtime, so reject it here.
	loaded, err := s.rt.Loaded(req.Processor, req.Kernel)
	if err != nil {
		return writeTaskError(c, err)
	}
	if !loaded {
		return writeNotFound(c, fmt.Sprintf("kernel %q is not loaded on processor %d", req.Kernel, req.Processor), "kernel")
	}

	resp, err := s.launch(c, req)
	if err != nil {
		return writeTaskError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) launch(c *echo.Context, req LaunchRequest) (LaunchResponse, error) {
	res, err := tasks.RunFloat32(c.Request().Context(), s.rt, req.Float32Launch())
	if err != nil {
		return LaunchResponse{}, err
	}

	grid, block := kernel.Geometry(res.Count)
	s.log.Debug("launch complete", "kernel", req.Kernel, "count", res.Count, "grid", grid)
	return LaunchResponse{
		ID:        newLaunchID(),
		Object:    "launch",
		Kernel:    req.Kernel,
		Processor: req.Processor,
		Shape:     res.Shape,
		Count:     res.Count,
		Grid:      dim3(grid.X, grid.Y, grid.Z),
		Block:     dim3(block.X, block.Y, block.Z),
		Output:    res.Output,
		CreatedAt: s.clock().Unix(),
	}, nil
}
