package server

import (
	"TrackDetServer/calibration"
	"TrackDetServer/engine"
	"TrackDetServer/frame"
	iface "TrackDetServer/interface"
	"TrackDetServer/logger"
	"bytes"
	"context"
	"errors"
	"image/png"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type dptResponse struct {
	DPT        float64 `json:"dpt"`
	Calibrated bool    `json:"calibrated"`
}

func newDPTResponse(dpt float64, ok bool) dptResponse {
	if !ok {
		dpt = calibration.NotCalibrated
	}
	return dptResponse{DPT: dpt, Calibrated: ok}
}

func (s *Server) calibrateReference(c *gin.Context) {
	var ref calibration.Reference
	if err := c.ShouldBindJSON(&ref); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": newDPTResponse(ref.DPT())})
}

func (s *Server) calibrateLayout(c *gin.Context) {
	var layout calibration.Layout
	if err := c.ShouldBindJSON(&layout); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": newDPTResponse(layout.DPT())})
}

func (s *Server) putEditorImage(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxImageBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(data) > maxImageBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return
	}
	f, err := s.opts.Decode(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image: " + err.Error()})
		return
	}
	id := c.Param("id")
	w, h := f.Width(), f.Height()
	s.editor.SetImage(id, f)
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"id": id, "width": w, "height": h}})
}

type validateRequest struct {
	Markers     []iface.Marker        `json:"markers"`
	Calibration calibration.Reference `json:"calibration"`
	DPT         float64               `json:"dpt"`
	Model       string                `json:"model"`
	Precision   iface.Precision       `json:"precision"`
}

// dpt prefers an explicit layout DPT over the two point reference.
func (r validateRequest) dpt() (float64, bool) {
	if r.DPT > 0 {
		return r.DPT, true
	}
	return r.Calibration.DPT()
}

func (s *Server) validate(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if c.Param("id") != s.editor.ImageID() {
		c.JSON(http.StatusNotFound, gin.H{"error": "image not loaded in editor"})
		return
	}
	dpt, ok := req.dpt()
	if !ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": engine.ErrNotCalibrated.Error()})
		return
	}
	eng, err := s.editorEngine(c.Request.Context(), req.Model, req.Precision)
	if err != nil {
		logger.Log().Error("editor classifier unavailable", zap.Error(err))
		c.JSON(engineStatus(err), gin.H{"error": err.Error()})
		return
	}

	s.editor.SetClassifier(eng)
	s.editor.SetCalibration(dpt, true)
	started := s.editor.Update(s.ctx, req.Markers)
	s.editor.Wait()
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"results":   s.editor.Results(),
		"evaluated": started,
		"dpt":       dpt,
	}})
}

type patchRequest struct {
	X           float64               `json:"x"`
	Y           float64               `json:"y"`
	Calibration calibration.Reference `json:"calibration"`
	DPT         float64               `json:"dpt"`
	Model       string                `json:"model"`
	Precision   iface.Precision       `json:"precision"`
}

// patch returns the PNG the classifier sees for one point of the editor image.
func (s *Server) patch(c *gin.Context) {
	var req patchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	img := s.editor.Image()
	if img == nil || c.Param("id") != s.editor.ImageID() {
		c.JSON(http.StatusNotFound, gin.H{"error": "image not loaded in editor"})
		return
	}
	dpt, ok := validateRequest{Calibration: req.Calibration, DPT: req.DPT}.dpt()
	if !ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": engine.ErrNotCalibrated.Error()})
		return
	}
	eng, err := s.editorEngine(c.Request.Context(), req.Model, req.Precision)
	if err != nil {
		c.JSON(engineStatus(err), gin.H{"error": err.Error()})
		return
	}
	patch, err := eng.Patch(c.Request.Context(), img, iface.Position{X: req.X, Y: req.Y}, dpt)
	if errors.Is(err, frame.ErrReleased) || errors.Is(err, frame.ErrConsumed) {
		c.JSON(http.StatusConflict, gin.H{"error": "image replaced"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, patch); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

// editorEngine returns a loaded engine for the pair, replacing a failed one.
// At most maxEditorEngines stay loaded; the least recently used is closed.
func (s *Server) editorEngine(ctx context.Context, model string, precision iface.Precision) (*engine.Engine, error) {
	if model == "" {
		model = s.opts.Model
	}
	if precision == "" {
		precision = s.opts.Precision
	}
	if err := engine.CheckModelName(model); err != nil {
		return nil, err
	}
	precision, err := iface.ParsePrecision(string(precision))
	if err != nil {
		return nil, err
	}
	key := engineKey{model: model, precision: precision}

	s.editorMu.Lock()
	eng, ok := s.engines[key]
	if !ok || eng.State() == engine.ERROR {
		if ok {
			eng.Close()
		}
		eng = s.opts.NewEngine(model, precision)
		s.engines[key] = eng
	}
	s.touchEngine(key)
	s.editorMu.Unlock()

	if err := eng.Initialize(ctx); err != nil {
		return nil, err
	}
	return eng, nil
}

// touchEngine marks key most recently used and evicts past the limit.
// Callers hold editorMu.
func (s *Server) touchEngine(key engineKey) {
	for i, k := range s.engineOrder {
		if k == key {
			s.engineOrder = append(s.engineOrder[:i], s.engineOrder[i+1:]...)
			break
		}
	}
	s.engineOrder = append(s.engineOrder, key)
	for len(s.engineOrder) > maxEditorEngines {
		old := s.engineOrder[0]
		s.engineOrder = s.engineOrder[1:]
		if eng, ok := s.engines[old]; ok {
			eng.Close()
			delete(s.engines, old)
			logger.Log().Info("editor classifier evicted", zap.String("model", old.model), zap.String("precision", string(old.precision)))
		}
	}
}

func engineStatus(err error) int {
	if errors.Is(err, engine.ErrInvalidModel) {
		return http.StatusBadRequest
	}
	return http.StatusServiceUnavailable
}
