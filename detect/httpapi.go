package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/LdDl/mot-pipeline/mot"
	"github.com/LdDl/mot-pipeline/source"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

// rawDetection is a single box in detection API response
type rawDetection struct {
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
	Confidence float64 `json:"confidence"`
	Label      int     `json:"label"`
}

// HTTPDetector calls remote detection API.
type HTTPDetector struct {
	client      *http.Client
	baseURL     string
	model       string
	labels      []string
	maxSide     int
	jpegQuality int
	logger      *zap.Logger
}

// NewHTTPDetector requests list of models and makes sure the configured one is served
func NewHTTPDetector(ctx context.Context, cfg Config, logger *zap.Logger) (*HTTPDetector, error) {
	if cfg.URL == "" {
		return nil, Fatal(errors.New("detector url is empty"))
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, Fatal(errors.Wrap(err, "Can't parse detector url"))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	quality := cfg.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	detector := &HTTPDetector{
		client:      &http.Client{Timeout: cfg.Timeout},
		baseURL:     strings.TrimRight(cfg.URL, "/"),
		model:       cfg.Model,
		maxSide:     cfg.MaxSide,
		jpegQuality: quality,
		logger:      logger,
	}
	models, err := detector.Models(ctx)
	if err != nil {
		return nil, err
	}
	labels, ok := models[cfg.Model]
	if !ok {
		return nil, Fatal(errors.Errorf("model '%s' is not served by %s", cfg.Model, detector.baseURL))
	}
	detector.labels = labels
	logger.Info("Detector is ready", zap.String("url", detector.baseURL), zap.String("model", cfg.Model), zap.Strings("labels", labels))
	return detector, nil
}

// Models returns served models with their class names
func (detector *HTTPDetector) Models(ctx context.Context) (map[string][]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, detector.baseURL+"/models/", nil)
	if err != nil {
		return nil, Fatal(err)
	}
	body, err := detector.do(req)
	if err != nil {
		return nil, err
	}
	models := make(map[string][]string)
	if err := json.Unmarshal(body, &models); err != nil {
		return nil, Fatal(errors.Wrap(err, "Can't decode models"))
	}
	return models, nil
}

// Detect uploads frame as JPEG and converts response into detections in frame coordinates
func (detector *HTTPDetector) Detect(ctx context.Context, frame source.Frame) ([]mot.Detection, error) {
	if frame.Image == nil {
		return nil, Fatal(errors.Errorf("frame %d has no image data", frame.Index))
	}
	img, scale := detector.downscale(frame.Image)
	payload := &bytes.Buffer{}
	writer := multipart.NewWriter(payload)
	part, err := writer.CreateFormFile("images", fmt.Sprintf("frame-%d.jpg", frame.Index))
	if err != nil {
		return nil, Fatal(err)
	}
	if err := jpeg.Encode(part, img, &jpeg.Options{Quality: detector.jpegQuality}); err != nil {
		return nil, Fatal(errors.Wrap(err, "Can't encode frame"))
	}
	if err := writer.Close(); err != nil {
		return nil, Fatal(err)
	}

	endpoint := fmt.Sprintf("%s/predictions/%s/", detector.baseURL, url.PathEscape(detector.model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return nil, Fatal(err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	body, err := detector.do(req)
	if err != nil {
		return nil, err
	}

	response := make(map[string][]rawDetection)
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, Fatal(errors.Wrap(err, "Can't decode predictions"))
	}
	raw := response["0"]
	detections := make([]mot.Detection, 0, len(raw))
	for _, one := range raw {
		detections = append(detections, mot.Detection{
			Box:        mot.NewRectXYXY(one.X1/scale, one.Y1/scale, one.X2/scale, one.Y2/scale),
			Label:      detector.labelName(one.Label),
			Confidence: one.Confidence,
			Frame:      frame.Index,
			Timestamp:  frame.Timestamp,
		})
	}
	return detections, nil
}

func (detector *HTTPDetector) labelName(idx int) string {
	if idx >= 0 && idx < len(detector.labels) {
		return detector.labels[idx]
	}
	return fmt.Sprintf("class_%d", idx)
}

// downscale fits image into maxSide and returns applied scale
func (detector *HTTPDetector) downscale(img image.Image) (image.Image, float64) {
	bounds := img.Bounds()
	longest := bounds.Dx()
	if bounds.Dy() > longest {
		longest = bounds.Dy()
	}
	if detector.maxSide <= 0 || longest <= detector.maxSide {
		return img, 1.0
	}
	scale := float64(detector.maxSide) / float64(longest)
	dst := image.NewRGBA(image.Rect(0, 0, int(float64(bounds.Dx())*scale), int(float64(bounds.Dy())*scale)))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
	return dst, scale
}

// do executes request and classifies failures
func (detector *HTTPDetector) do(req *http.Request) ([]byte, error) {
	resp, err := detector.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		// Timeouts, refused connections and resets
		return nil, Transient(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(errors.Wrap(err, "Can't read response"))
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, Transient(errors.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, truncate(body)))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, Transient(errors.Errorf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, Fatal(errors.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, truncate(body)))
	}
	return body, nil
}

func truncate(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
