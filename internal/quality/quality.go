package quality

import (
	"fmt"
	"image"
	"sort"

	"github.com/assiminee/facegate/internal/config"
	"github.com/assiminee/facegate/internal/embedder"
)

// Rejection reasons reported back to the gate operator. Every reason maps
// to a retake instruction shown on the kiosk.
const (
	NoFaceDetected        = "no_face_detected"
	MultipleFacesDetected = "multiple_faces_detected"
	FaceTooSmall          = "face_too_small"
	ExtremePose           = "extreme_pose"
	TooBlurry             = "too_blurry"
	PoorLighting          = "poor_lighting"
)

// Rejection is returned when a capture fails a quality check. The spectator
// should retake the photo rather than be refused entry.
type Rejection struct {
	Reason string
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("quality check failed (%s): %s", r.Reason, r.Detail)
}

// Assessment holds the surviving face and its aligned crop after all
// quality checks pass.
type Assessment struct {
	Face  embedder.Detection
	Crop  []byte  // JPEG, CropSize x CropSize, ready for the embedding model
	Score float64 // detector confidence, stored with the attempt
}

// Gate runs capture quality checks in a fixed order. The checks are cheap
// relative to model inference, so a failed capture never reaches the model.
type Gate struct {
	cfg config.QualityConfig
}

// NewGate creates a quality gate with the given thresholds.
func NewGate(cfg config.QualityConfig) *Gate {
	return &Gate{cfg: cfg}
}

// Assess validates the capture against detector output and returns the
// aligned face crop on success. Order matters: face count and geometry
// first, then the pixel level checks on the winning face only.
func (g *Gate) Assess(imageData []byte, detections []embedder.Detection) (*Assessment, error) {
	if len(detections) == 0 {
		return nil, &Rejection{Reason: NoFaceDetected, Detail: "no face found in capture"}
	}

	img, err := Decode(imageData)
	if err != nil {
		return nil, &Rejection{Reason: NoFaceDetected, Detail: err.Error()}
	}
	return g.AssessDecoded(img, detections)
}

// AssessDecoded is Assess for callers that already hold a decoded image.
func (g *Gate) AssessDecoded(img image.Image, detections []embedder.Detection) (*Assessment, error) {
	if len(detections) == 0 {
		return nil, &Rejection{Reason: NoFaceDetected, Detail: "no face found in capture"}
	}

	faces := make([]embedder.Detection, len(detections))
	copy(faces, detections)
	sort.Slice(faces, func(i, j int) bool {
		return faces[i].Area() > faces[j].Area()
	})

	best := faces[0]
	if len(faces) > 1 {
		// A second face close in size to the largest means we cannot tell
		// who is presenting. Tiny background faces are tolerated.
		ratio := faces[1].Area() / best.Area()
		if ratio >= g.cfg.SimilarFaceRatio {
			return nil, &Rejection{
				Reason: MultipleFacesDetected,
				Detail: fmt.Sprintf("%d comparable faces in frame", len(faces)),
			}
		}
	}

	if area := best.Area(); area < g.cfg.MinFaceArea {
		return nil, &Rejection{
			Reason: FaceTooSmall,
			Detail: fmt.Sprintf("face area %.0f below minimum %.0f", area, g.cfg.MinFaceArea),
		}
	}

	if tilt := tiltDegrees(best.LeftEye, best.RightEye); tilt > g.cfg.MaxTiltDegrees {
		return nil, &Rejection{
			Reason: ExtremePose,
			Detail: fmt.Sprintf("eye-line tilt %.1f degrees exceeds %.1f", tilt, g.cfg.MaxTiltDegrees),
		}
	}

	region := bboxRect(best.BBox)
	gray := grayscale(img, region)

	if brightness := meanBrightness(gray); brightness < g.cfg.MinBrightness || brightness > g.cfg.MaxBrightness {
		return nil, &Rejection{
			Reason: PoorLighting,
			Detail: fmt.Sprintf("mean brightness %.1f outside [%.0f, %.0f]", brightness, g.cfg.MinBrightness, g.cfg.MaxBrightness),
		}
	}

	if sharpness := laplacianVariance(gray); sharpness < g.cfg.BlurThreshold {
		return nil, &Rejection{
			Reason: TooBlurry,
			Detail: fmt.Sprintf("sharpness %.1f below threshold %.1f", sharpness, g.cfg.BlurThreshold),
		}
	}

	crop, err := cropAndScale(img, region, g.cfg.CropSize)
	if err != nil {
		return nil, fmt.Errorf("preparing face crop: %w", err)
	}

	return &Assessment{Face: best, Crop: crop, Score: best.DetScore}, nil
}
