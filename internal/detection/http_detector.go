package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"vigil/internal/geom"
	"vigil/internal/media"
)

// httpDetection is one entry of the HTTP detector's reply.
type httpDetection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"` // [x1, y1, x2, y2]
}

// httpDetectionResult is the full detection response
type httpDetectionResult struct {
	Detections      []httpDetection `json:"detections"`
	Count           int             `json:"count"`
	InferenceTimeMs float64         `json:"inference_time_ms"`
	Device          string          `json:"device"`
}

// HTTPDetector posts frames to a YOLO HTTP service as multipart forms.
type HTTPDetector struct {
	endpoint      string
	client        *http.Client
	confThreshold float64
	classes       []string

	mu          sync.Mutex
	healthy     bool
	healthCheck time.Time
}

// NewHTTPDetector creates the detector for the service at cfg.URL.
func NewHTTPDetector(cfg DetectorConfig) *HTTPDetector {
	return &HTTPDetector{
		endpoint:      strings.TrimRight(cfg.URL, "/"),
		client:        &http.Client{Timeout: 5 * time.Second},
		confThreshold: cfg.ConfThreshold,
		classes:       cfg.Classes,
	}
}

// IsHealthy checks if the detection service is available
func (d *HTTPDetector) IsHealthy(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Cache health check for 30 seconds
	if d.healthy && time.Since(d.healthCheck) < 30*time.Second {
		return true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := d.client.Do(req)
	if err != nil {
		log.Printf("[HTTPDetector] Health check failed: %v", err)
		d.healthy = false
		return false
	}
	defer resp.Body.Close()

	d.healthy = resp.StatusCode == http.StatusOK
	if d.healthy {
		d.healthCheck = time.Now()
	} else {
		log.Printf("[HTTPDetector] Health check returned status %d", resp.StatusCode)
	}
	return d.healthy
}

// Detect posts the frame to /detect and converts the reply.
func (d *HTTPDetector) Detect(ctx context.Context, frame *media.Frame) ([]geom.BoundingBox, error) {
	data, err := frameBytes(frame)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	// Add image file with proper Content-Type header
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	fw, err := w.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	w.WriteField("conf_threshold", fmt.Sprintf("%.2f", d.confThreshold))
	if len(d.classes) > 0 {
		w.WriteField("classes", strings.Join(d.classes, ","))
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		d.mu.Lock()
		d.healthy = false
		d.mu.Unlock()
		return nil, fmt.Errorf("HTTPDetector: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("HTTPDetector: detection failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result httpDetectionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("HTTPDetector: decode response: %w", err)
	}

	boxes := make([]geom.BoundingBox, 0, len(result.Detections))
	for _, det := range result.Detections {
		if len(det.BBox) != 4 {
			continue
		}
		box := geom.FromCorners(det.BBox[0], det.BBox[1], det.BBox[2], det.BBox[3])
		box.Confidence = det.Confidence
		box.ClassName = det.Class
		boxes = append(boxes, box)
	}
	return boxes, nil
}
