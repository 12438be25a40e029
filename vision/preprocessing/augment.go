package preprocessing

import (
	"image"
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// Augment configures the random resized crop and color jitter of the train
// transform.
type Augment struct {
	// MinScale and MaxScale bound the area of the resized crop as a fraction
	// of the crop region.
	MinScale, MaxScale float64
	// MinRatio and MaxRatio bound its width/height ratio.
	MinRatio, MaxRatio float64

	// Jitter strengths. Brightness, contrast and saturation factors are drawn
	// from [1-x, 1+x]; the hue shift from [-Hue, Hue] of a full turn. Zero
	// disables a step.
	Brightness float64
	Contrast   float64
	Saturation float64
	Hue        float64
}

// DefaultAugment is the train augmentation used for slide patches.
func DefaultAugment() Augment {
	return Augment{
		MinScale:   0.4,
		MaxScale:   1,
		MinRatio:   3. / 4.,
		MaxRatio:   4. / 3.,
		Brightness: 0.4,
		Contrast:   0.4,
		Saturation: 0.4,
		Hue:        0.125,
	}
}

func (a Augment) validate() error {
	switch {
	case a.MinScale <= 0 || a.MinScale > a.MaxScale || a.MaxScale > 1:
		return errors.Errorf("crop scale [%g, %g] must lie in (0, 1]", a.MinScale, a.MaxScale)
	case a.MinRatio <= 0 || a.MinRatio > a.MaxRatio:
		return errors.Errorf("invalid crop ratio [%g, %g]", a.MinRatio, a.MaxRatio)
	case a.Brightness < 0 || a.Contrast < 0 || a.Saturation < 0:
		return errors.New("jitter strengths must not be negative")
	case a.Hue < 0 || a.Hue > 0.5:
		return errors.Errorf("hue jitter must be in [0, 0.5], got %g", a.Hue)
	}
	return nil
}

// resizedCrop picks a random sub-rectangle of b whose area and aspect ratio
// fall in the configured ranges. After ten failed draws it falls back to the
// largest centered rectangle within the ratio bounds.
func (a Augment) resizedCrop(rng *rand.Rand, b image.Rectangle) image.Rectangle {
	width, height := b.Dx(), b.Dy()
	area := float64(width * height)
	logMin, logMax := math.Log(a.MinRatio), math.Log(a.MaxRatio)

	for attempt := 0; attempt < 10; attempt++ {
		target := area * (a.MinScale + rng.Float64()*(a.MaxScale-a.MinScale))
		ratio := math.Exp(logMin + rng.Float64()*(logMax-logMin))
		w := int(math.Round(math.Sqrt(target * ratio)))
		h := int(math.Round(math.Sqrt(target / ratio)))
		if w > 0 && w <= width && h > 0 && h <= height {
			x0 := rng.Intn(width - w + 1)
			y0 := rng.Intn(height - h + 1)
			min := b.Min.Add(image.Pt(x0, y0))
			return image.Rectangle{Min: min, Max: min.Add(image.Pt(w, h))}
		}
	}

	w, h := width, height
	switch ratio := float64(width) / float64(height); {
	case ratio < a.MinRatio:
		h = int(math.Round(float64(w) / a.MinRatio))
	case ratio > a.MaxRatio:
		w = int(math.Round(float64(h) * a.MaxRatio))
	}
	min := b.Min.Add(image.Pt((width-w)/2, (height-h)/2))
	return image.Rectangle{Min: min, Max: min.Add(image.Pt(w, h))}
}

// jitter adjusts brightness, contrast, saturation and hue of the CHW pixels
// in random order.
func (a Augment) jitter(rng *rand.Rand, pix []uint8, plane int) {
	type step struct {
		apply  func(r, g, b []float64, f float64)
		factor float64
	}
	var steps [4]*step
	if a.Brightness > 0 {
		steps[0] = &step{adjustBrightness, uniform(rng, math.Max(0, 1-a.Brightness), 1+a.Brightness)}
	}
	if a.Contrast > 0 {
		steps[1] = &step{adjustContrast, uniform(rng, math.Max(0, 1-a.Contrast), 1+a.Contrast)}
	}
	if a.Saturation > 0 {
		steps[2] = &step{adjustSaturation, uniform(rng, math.Max(0, 1-a.Saturation), 1+a.Saturation)}
	}
	if a.Hue > 0 {
		steps[3] = &step{adjustHue, uniform(rng, -a.Hue, a.Hue)}
	}
	order := rng.Perm(len(steps))

	r, g, b := toUnit(pix[:plane]), toUnit(pix[plane:2*plane]), toUnit(pix[2*plane:3*plane])
	for _, i := range order {
		if s := steps[i]; s != nil {
			s.apply(r, g, b, s.factor)
		}
	}
	fromUnit(pix[:plane], r)
	fromUnit(pix[plane:2*plane], g)
	fromUnit(pix[2*plane:3*plane], b)
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

func toUnit(pix []uint8) []float64 {
	out := make([]float64, len(pix))
	for i, v := range pix {
		out[i] = float64(v) / 255
	}
	return out
}

func fromUnit(dst []uint8, v []float64) {
	for i, x := range v {
		dst[i] = uint8(math.Round(clamp01(x) * 255))
	}
}

func clamp01(x float64) float64 {
	return math.Min(1, math.Max(0, x))
}

func gray(r, g, b float64) float64 {
	return 0.299*r + 0.587*g + 0.114*b
}

// blend moves every value towards ref[i] (or the constant ref when ref is
// nil) so that f=1 is the identity and f=0 gives the reference.
func blend(ch []float64, ref []float64, c, f float64) {
	for i, x := range ch {
		to := c
		if ref != nil {
			to = ref[i]
		}
		ch[i] = clamp01(f*x + (1-f)*to)
	}
}

func adjustBrightness(r, g, b []float64, f float64) {
	for _, ch := range [][]float64{r, g, b} {
		blend(ch, nil, 0, f)
	}
}

func adjustContrast(r, g, b []float64, f float64) {
	var mean float64
	for i := range r {
		mean += gray(r[i], g[i], b[i])
	}
	mean /= float64(len(r))
	for _, ch := range [][]float64{r, g, b} {
		blend(ch, nil, mean, f)
	}
}

func adjustSaturation(r, g, b []float64, f float64) {
	lum := make([]float64, len(r))
	for i := range r {
		lum[i] = gray(r[i], g[i], b[i])
	}
	for _, ch := range [][]float64{r, g, b} {
		blend(ch, lum, 0, f)
	}
}

// adjustHue rotates the hue of every pixel by shift turns.
func adjustHue(r, g, b []float64, shift float64) {
	for i := range r {
		r[i], g[i], b[i] = rotateHue(r[i], g[i], b[i], shift)
	}
}

func rotateHue(r, g, b, shift float64) (float64, float64, float64) {
	max := math.Max(r, math.Max(g, b))
	min := math.Min(r, math.Min(g, b))
	delta := max - min
	if delta == 0 {
		return r, g, b
	}

	var h float64
	switch max {
	case r:
		h = math.Mod((g-b)/delta, 6)
	case g:
		h = (b-r)/delta + 2
	default:
		h = (r-g)/delta + 4
	}
	h = h/6 + shift
	h -= math.Floor(h)

	s, v := delta/max, max
	return hsvToRGB(h, s, v)
}

func hsvToRGB(h, s, v float64) (float64, float64, float64) {
	h6 := h * 6
	sector := math.Floor(h6)
	frac := h6 - sector
	p := v * (1 - s)
	q := v * (1 - s*frac)
	t := v * (1 - s*(1-frac))
	switch int(sector) % 6 {
	case 0:
		return v, t, p
	case 1:
		return q, v, p
	case 2:
		return p, v, t
	case 3:
		return p, q, v
	case 4:
		return t, p, v
	default:
		return v, p, q
	}
}
