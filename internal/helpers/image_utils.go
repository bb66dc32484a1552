package helpers

import (
	"fmt"

	"gocv.io/x/gocv"
)

// MediumQuality is used when the caller's JPEG quality is out of range.
const MediumQuality = 75

// EncodeRGBToJPEG encodes packed RGB24 bytes as a JPEG image.
func EncodeRGBToJPEG(rgb []byte, width, height, quality int) ([]byte, error) {
	if len(rgb) == 0 {
		return nil, fmt.Errorf("empty RGB data")
	}
	if width <= 0 || height <= 0 || width*height*3 != len(rgb) {
		w, h, ok := GuessDimensionsFromLength(len(rgb))
		if !ok {
			return nil, fmt.Errorf("unable to infer frame dimensions from RGB length=%d", len(rgb))
		}
		width, height = w, h
	}
	if quality <= 0 || quality > 100 {
		quality = MediumQuality
	}

	mat, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC3, rgb)
	if err != nil {
		return nil, fmt.Errorf("failed to create Mat from RGB data: %w", err)
	}
	defer mat.Close()

	// OpenCV encodes from BGR
	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(mat, &bgr, gocv.ColorRGBToBGR)

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, bgr, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("failed to encode RGB as JPEG: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

// GuessDimensionsFromLength tries to infer width/height from RGB24 byte length
func GuessDimensionsFromLength(totalBytes int) (int, int, bool) {
	if totalBytes <= 0 || totalBytes%3 != 0 {
		return 0, 0, false
	}
	pixels := totalBytes / 3

	common := [][2]int{
		{1920, 1080}, {1280, 960}, {1280, 720}, {1024, 768},
		{800, 600}, {800, 480}, {720, 480}, {640, 480},
		{640, 360}, {480, 272}, {320, 240},
	}
	for _, wh := range common {
		if wh[0]*wh[1] == pixels {
			return wh[0], wh[1], true
		}
	}
	return 0, 0, false
}
