package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/r2gencmn/r2gen/api"
	"github.com/r2gencmn/r2gen/envconfig"
	"github.com/r2gencmn/r2gen/logutil"
	"github.com/r2gencmn/r2gen/ml"
	"github.com/r2gencmn/r2gen/model"
	"github.com/r2gencmn/r2gen/model/imageproc"
	"github.com/r2gencmn/r2gen/model/input"
	"github.com/r2gencmn/r2gen/model/models/basecmn"
)

type Server struct {
	addr net.Addr

	// forward passes run one at a time
	mu    sync.Mutex
	model model.Model
}

func NewServer(m model.Model) *Server {
	return &Server{model: m}
}

const requestIDKey = "request_id"

func requestID(c *gin.Context) {
	id := c.GetHeader("X-Request-Id")
	if id == "" {
		id = uuid.NewString()
	}

	c.Set(requestIDKey, id)
	c.Header("X-Request-Id", id)

	start := time.Now()
	c.Next()

	slog.Debug("request", "id", id, "method", c.Request.Method, "path", c.Request.URL.Path, "status", c.Writer.Status(), "duration", time.Since(start))
}

func (s *Server) GenerateRoutes() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestID)

	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "r2gen is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "r2gen is running") })

	r.POST("/api/generate", s.GenerateHandler)
	r.GET("/api/show", s.ShowHandler)

	return r
}

var (
	ErrViewCount     = errors.New("wrong number of images")
	ErrImageTooLarge = errors.New("image too large")
	ErrInvalidImage  = errors.New("invalid image")
)

// statusCode maps errors caused by the request to 4xx.
func statusCode(err error) int {
	if errors.Is(err, ErrImageTooLarge) {
		return http.StatusRequestEntityTooLarge
	}

	for _, target := range []error{
		ErrViewCount,
		ErrInvalidImage,
		input.ErrInvalidMode,
		api.ErrInvalidOptions,
		basecmn.ErrMissingTargets,
		basecmn.ErrInvalidShape,
		basecmn.ErrUnexpectedArgument,
		basecmn.ErrUnsupportedOption,
	} {
		if errors.Is(err, target) {
			return http.StatusBadRequest
		}
	}

	return http.StatusInternalServerError
}

func (s *Server) GenerateHandler(c *gin.Context) {
	var req api.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.Generate(c.Request.Context(), req)
	if err != nil {
		slog.Error("generate", "id", c.GetString(requestIDKey), "error", err)
		c.AbortWithStatusJSON(statusCode(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Generate runs one study through the model. Mode defaults to sample.
func (s *Server) Generate(ctx context.Context, req api.GenerateRequest) (*api.GenerateResponse, error) {
	mode := input.ModeSample
	if req.Mode != "" {
		var err error
		if mode, err = input.ParseMode(req.Mode); err != nil {
			return nil, err
		}
	}

	opts := s.model.Options()
	if len(req.Images) != opts.NumViews() {
		return nil, fmt.Errorf("%w: %s expects %d images per study, got %d", ErrViewCount, opts.DatasetName, opts.NumViews(), len(req.Images))
	}

	maxBytes := envconfig.MaxImageBytes()
	for i, img := range req.Images {
		if uint64(len(img)) > maxBytes {
			return nil, fmt.Errorf("%w: image %d is larger than %d bytes", ErrImageTooLarge, i, maxBytes)
		}
	}

	pixels, err := imageproc.Study(ctx, req.Images, opts.ImageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}

	return s.generate(pixels, req, mode)
}

func (s *Server) generate(pixels []float32, req api.GenerateRequest, mode input.Mode) (*api.GenerateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	opts := s.model.Options()
	ctx := s.model.Backend().NewContext()
	defer ctx.Close()

	shape := []int{1, imageproc.NumChannels, opts.ImageSize, opts.ImageSize}
	if opts.NumViews() == 2 {
		shape = []int{1, 2, imageproc.NumChannels, opts.ImageSize, opts.ImageSize}
	}

	images, err := ctx.FromFloatSlice(pixels, shape...)
	if err != nil {
		return nil, err
	}

	fo := input.ForwardOptions{Mode: mode, UpdateOpts: req.Options}
	if len(req.Targets) > 0 {
		if fo.Targets, err = ctx.FromIntSlice(req.Targets, 1, len(req.Targets)); err != nil {
			return nil, err
		}
	}

	if len(req.RetrievalIDs) > 0 {
		if fo.RetrievalIDs, err = ctx.FromIntSlice(req.RetrievalIDs, 1, len(req.RetrievalIDs)); err != nil {
			return nil, err
		}
	}

	result, err := s.model.Forward(ctx, images, fo)
	if err != nil {
		return nil, err
	}

	if result.Sequence != nil {
		logutil.Trace("generated", "sequence", ml.Dump(result.Sequence), "probs", ml.Dump(result.Probs))
	}

	return response(s.model.Vocabulary(), result), nil
}

func response(vocab *model.Vocabulary, result input.Result) *api.GenerateResponse {
	if result.Logprobs != nil {
		return &api.GenerateResponse{
			Logprobs: result.Logprobs.Floats(),
			Shape:    result.Logprobs.Shape(),
		}
	}

	tokens := result.Sequence.Ints()
	return &api.GenerateResponse{
		Response: vocab.Decode(append([]int32{0}, tokens...)),
		Tokens:   tokens,
		Logprobs: result.Probs.Floats(),
	}
}

func (s *Server) ShowHandler(c *gin.Context) {
	c.JSON(http.StatusOK, Show(s.model))
}

// Show describes m: its options, variant and parameter counts.
func Show(m model.Model) api.ShowResponse {
	params := model.Parameters(m)
	resp := api.ShowResponse{
		Options:             m.Options(),
		TrainableParameters: model.TrainableParameters(params),
		Parameters:          model.Modules(params),
		Description:         fmt.Sprint(m),
	}

	if v, ok := m.(interface{ Variant() basecmn.Variant }); ok {
		resp.Variant = v.Variant().String()
	}

	return resp
}

func (s *Server) Addr() net.Addr {
	return s.addr
}

func Serve(ln net.Listener, m model.Model) error {
	if envconfig.LogLevel() > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	if envconfig.NoColor() {
		gin.DisableConsoleColor()
	}

	s := NewServer(m)
	s.addr = ln.Addr()

	srvr := &http.Server{
		Handler: s.GenerateRoutes(),
	}

	slog.Info("Listening on " + ln.Addr().String())
	if err := srvr.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
