package gif

import (
	"image"
)

// SampleSize returns the power-of-two stride for downsampling width x height
// toward targetWidth x targetHeight. The stride doubles while both halved
// dimensions stay at or above the target, so the output is never smaller
// than requested. A non-positive target disables downsampling.
func SampleSize(width int, height int, targetWidth int, targetHeight int) int {
	sample := 1
	if targetWidth <= 0 || targetHeight <= 0 {
		return sample
	}

	if height > targetHeight || width > targetWidth {
		halfHeight := height / 2
		halfWidth := width / 2

		for halfHeight/sample >= targetHeight && halfWidth/sample >= targetWidth {
			sample *= 2
		}
	}
	return sample
}

// Downsample returns a copy of src reduced by sample in both dimensions.
// quality box-averages each sample x sample block, otherwise the top-left pixel of each block is taken.
func Downsample(src *image.RGBA, sample int, quality bool) *image.RGBA {
	bounds := src.Bounds()
	if sample <= 1 {
		dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
		for y := 0; y < bounds.Dy(); y++ {
			srcOffset := src.PixOffset(bounds.Min.X, bounds.Min.Y+y)
			copy(dst.Pix[y*dst.Stride:(y+1)*dst.Stride], src.Pix[srcOffset:srcOffset+dst.Stride])
		}
		return dst
	}

	width := max(bounds.Dx()/sample, 1)
	height := max(bounds.Dy()/sample, 1)
	dst := image.NewRGBA(image.Rect(0, 0, width, height))

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dstOffset := dst.PixOffset(x, y)
			sx := bounds.Min.X + x*sample
			sy := bounds.Min.Y + y*sample

			if !quality {
				srcOffset := src.PixOffset(sx, sy)
				copy(dst.Pix[dstOffset:dstOffset+4], src.Pix[srcOffset:srcOffset+4])
				continue
			}

			var sum [4]int
			count := 0
			for by := sy; by < min(sy+sample, bounds.Max.Y); by++ {
				srcOffset := src.PixOffset(sx, by)
				for bx := sx; bx < min(sx+sample, bounds.Max.X); bx++ {
					sum[0] += int(src.Pix[srcOffset+0])
					sum[1] += int(src.Pix[srcOffset+1])
					sum[2] += int(src.Pix[srcOffset+2])
					sum[3] += int(src.Pix[srcOffset+3])
					srcOffset += 4
					count++
				}
			}

			for c := 0; c < 4; c++ {
				dst.Pix[dstOffset+c] = uint8(sum[c] / count)
			}
		}
	}
	return dst
}
