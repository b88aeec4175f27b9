package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"

	"github.com/QuangTung97/chunkheap/allocator"
	"github.com/QuangTung97/chunkheap/globalheap"
	"github.com/QuangTung97/chunkheap/internal/logger"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

type heapHandler struct {
	alloc *allocator.Allocator
}

type allocResponse struct {
	Addr   string  `json:"addr"`
	Offset uintptr `json:"offset"`
	Size   uintptr `json:"size"`
	Align  uintptr `json:"align"`
}

type bitmapResponse struct {
	Chunks int    `json:"chunks"`
	Bitmap string `json:"bitmap"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newHeapHandler(a *allocator.Allocator) *heapHandler {
	return &heapHandler{alloc: a}
}

func (h *heapHandler) writeJSON(ctx *fasthttp.RequestCtx, status int, v interface{}) {
	body, err := jsonAPI.Marshal(v)
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func (h *heapHandler) writeError(ctx *fasthttp.RequestCtx, err error) {
	status := fasthttp.StatusBadRequest
	if errors.Is(err, allocator.ErrOutOfMemory) {
		status = fasthttp.StatusInsufficientStorage
	}
	logger.Debug("request failed", "path", string(ctx.Path()), "err", err)
	h.writeJSON(ctx, status, errorResponse{Error: err.Error()})
}

func queryUint(ctx *fasthttp.RequestCtx, name string, def uintptr) (uintptr, error) {
	raw := ctx.QueryArgs().Peek(name)
	if len(raw) == 0 {
		return def, nil
	}
	v, err := strconv.ParseUint(string(raw), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q: %w", name, raw, err)
	}
	return uintptr(v), nil
}

func (h *heapHandler) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/stats":
		if !ctx.IsGet() {
			ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
			return
		}
		h.writeJSON(ctx, fasthttp.StatusOK, h.alloc.Stats())

	case "/bitmap":
		if !ctx.IsGet() {
			ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
			return
		}
		bitmap := h.alloc.Chunks().Bitmap()
		h.writeJSON(ctx, fasthttp.StatusOK, bitmapResponse{
			Chunks: len(bitmap) * 8,
			Bitmap: hex.EncodeToString(bitmap),
		})

	case "/alloc":
		if !ctx.IsPost() {
			ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
			return
		}
		h.handleAlloc(ctx)

	case "/free":
		if !ctx.IsPost() {
			ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
			return
		}
		h.handleFree(ctx)

	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (h *heapHandler) handleAlloc(ctx *fasthttp.RequestCtx) {
	size, err := queryUint(ctx, "size", 0)
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	align, err := queryUint(ctx, "align", 1)
	if err != nil {
		h.writeError(ctx, err)
		return
	}

	addr, err := h.alloc.Allocate(size, align)
	if err != nil {
		h.writeError(ctx, err)
		return
	}

	h.writeJSON(ctx, fasthttp.StatusOK, allocResponse{
		Addr:   fmt.Sprintf("%#x", addr),
		Offset: addr - h.alloc.Chunks().Base(),
		Size:   size,
		Align:  align,
	})
}

func (h *heapHandler) handleFree(ctx *fasthttp.RequestCtx) {
	addr, err := queryUint(ctx, "addr", 0)
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	size, err := queryUint(ctx, "size", 0)
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	align, err := queryUint(ctx, "align", 1)
	if err != nil {
		h.writeError(ctx, err)
		return
	}

	if err := h.alloc.Deallocate(addr, size, align); err != nil {
		h.writeError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

var (
	serveAddr     string
	serveHeapSize int
	serveSlabs    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve an HTTP API over a live heap",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf := allocator.Config{HeapSize: serveHeapSize}
		if serveSlabs {
			conf.Slabs = globalheap.DefaultConfig().Slabs
		}

		a, err := allocator.New(conf)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		server := &fasthttp.Server{
			Handler: newHeapHandler(a).handle,
			Name:    "chunkheap",
		}

		logger.Info("serving heap", "addr", serveAddr, "heap_size", serveHeapSize)
		fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", serveAddr)
		return server.ListenAndServe(serveAddr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().IntVar(&serveHeapSize, "heap-size", 256*allocator.ChunkSize, "Heap size in bytes")
	serveCmd.Flags().BoolVar(&serveSlabs, "slabs", false, "Route small requests through slabs")
	rootCmd.AddCommand(serveCmd)
}
