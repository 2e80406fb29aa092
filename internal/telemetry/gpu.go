package telemetry

import (
	"image"
	"image/color"
	"math"
	"time"

	"golang.org/x/image/vector"
)

const (
	renderSize     = 256
	renderFrames   = 24
	arcSegments    = 48
	maxReportedFPS = 60
)

var arcColor = image.NewUniform(color.RGBA{R: 0x3c, G: 0x8d, B: 0xd9, A: 0xff})

// renderArcs draws frames filled arcs of growing radius into an offscreen
// image and returns the total render time.
func renderArcs(frames int) time.Duration {
	dst := image.NewRGBA(image.Rect(0, 0, renderSize, renderSize))
	z := vector.NewRasterizer(renderSize, renderSize)
	const c = renderSize / 2

	start := time.Now()
	for i := 1; i <= frames; i++ {
		r := float32(i) * (renderSize/2 - 1) / float32(frames)
		sweep := 2 * math.Pi * float64(i) / float64(frames)

		z.Reset(renderSize, renderSize)
		z.MoveTo(c, c)
		for k := 0; k <= arcSegments; k++ {
			theta := sweep * float64(k) / arcSegments
			z.LineTo(c+r*float32(math.Cos(theta)), c+r*float32(math.Sin(theta)))
		}
		z.ClosePath()
		z.Draw(dst, dst.Bounds(), arcColor, image.Point{})
	}
	elapsed := time.Since(start)
	if elapsed < time.Microsecond {
		elapsed = time.Microsecond
	}
	return elapsed
}

// gpuUsageFromTimings inverts the render ratio: slower than baseline means
// busier. Renders at or faster than baseline report zero.
func gpuUsageFromTimings(baseline, elapsed time.Duration) float64 {
	if baseline <= 0 || elapsed <= 0 {
		return 0
	}
	return clampPercent((1 - float64(baseline)/float64(elapsed)) * 100)
}

// fpsFromRender converts the mean frame time into frames per second.
func fpsFromRender(elapsed time.Duration, frames int) float64 {
	if elapsed <= 0 || frames <= 0 {
		return 0
	}
	perFrame := float64(elapsed) / float64(frames)
	return math.Min(maxReportedFPS, float64(time.Second)/perFrame)
}

func (s *Sampler) measureGPU() (usage float64, fps float64, src Source) {
	elapsed := s.probes.render(renderFrames)
	fps = fpsFromRender(elapsed, renderFrames)

	if busy, ok := s.probes.gpuBusy(); ok {
		return clampPercent(busy), fps, SourceMeasured
	}
	return gpuUsageFromTimings(s.renderBaseline(), elapsed), fps, SourceEstimated
}
