// Package camera turns OpenCV captures and encoded images into frames.
package camera

import (
	"TrackDetServer/frame"
	"TrackDetServer/logger"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var ErrEmptyFrame = errors.New("decoded image is empty or unsupported format")

// DecodeImage decodes a PNG/JPEG/... buffer into an owned RGBA frame.
func DecodeImage(data []byte) (*frame.Frame, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, err
	}
	defer mat.Close()
	return matToFrame(mat)
}

// DecodeBase64 accepts plain base64 or a data:image/...;base64, URL.
func DecodeBase64(b64 string) (*frame.Frame, error) {
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	return DecodeImage(data)
}

func matToFrame(mat gocv.Mat) (*frame.Frame, error) {
	if mat.Empty() {
		return nil, ErrEmptyFrame
	}
	img, err := mat.ToImage()
	if err != nil {
		return nil, err
	}
	return frame.FromImage(img), nil
}

// VideoSource grabs frames from a camera device or a video file. Files are
// rewound when they end.
type VideoSource struct {
	mu     sync.Mutex
	vc     *gocv.VideoCapture
	mat    gocv.Mat
	isFile bool
	name   string
	seq    uint64
}

func OpenDevice(id int) (*VideoSource, error) {
	vc, err := gocv.OpenVideoCapture(id)
	if err != nil {
		return nil, fmt.Errorf("open camera %d: %w", id, err)
	}
	return newVideoSource(vc, fmt.Sprintf("device %d", id), false), nil
}

func OpenFile(path string) (*VideoSource, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("open video %s: %w", path, err)
	}
	return newVideoSource(vc, path, true), nil
}

func newVideoSource(vc *gocv.VideoCapture, name string, isFile bool) *VideoSource {
	logger.Log().Info("video source opened", zap.String("source", name),
		zap.Float64("width", vc.Get(gocv.VideoCaptureFrameWidth)),
		zap.Float64("height", vc.Get(gocv.VideoCaptureFrameHeight)))
	return &VideoSource{vc: vc, mat: gocv.NewMat(), isFile: isFile, name: name}
}

func (s *VideoSource) Grab(ctx context.Context) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vc == nil {
		return nil, fmt.Errorf("%s: closed", s.name)
	}
	if !s.vc.Read(&s.mat) || s.mat.Empty() {
		if !s.isFile {
			return nil, fmt.Errorf("%s: no frame", s.name)
		}
		s.vc.Set(gocv.VideoCapturePosFrames, 0)
		if !s.vc.Read(&s.mat) || s.mat.Empty() {
			return nil, fmt.Errorf("%s: no frame after rewind", s.name)
		}
	}
	f, err := matToFrame(s.mat)
	if err != nil {
		return nil, err
	}
	s.seq++
	f.Seq = s.seq
	return f, nil
}

func (s *VideoSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vc == nil {
		return nil
	}
	err := s.vc.Close()
	s.vc = nil
	if cerr := s.mat.Close(); err == nil {
		err = cerr
	}
	return err
}
