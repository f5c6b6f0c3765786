package vm

import (
	"math"

	"github.com/procgraph/fieldvm/pkg/types"
)

// Procedural noise shared by both backends. All functions are pure and
// fully determined by their inputs; lattice gradients derive from the same
// integer hash as the random opcodes, so no tables need seeding.

func cellHash(ix, iy, iz int32) uint32 {
	h := hashCombine(uint32(ix), uint32(iy))
	h = hashCombine(h, uint32(iz))
	return hashFinal(h)
}

func fade(t float64) float64 {
	return t * t * t * (t*(t*6-15) + 10)
}

func lerp(t, a, b float64) float64 {
	return a + t*(b-a)
}

// grad picks one of Perlin's 16 gradient directions from the hash.
func grad(h uint32, x, y, z float64) float64 {
	hh := h & 15
	u := x
	if hh >= 8 {
		u = y
	}
	v := y
	if hh >= 4 {
		v = z
		if hh == 12 || hh == 14 {
			v = x
		}
	}
	if hh&1 != 0 {
		u = -u
	}
	if hh&2 != 0 {
		v = -v
	}
	return u + v
}

// Noise3 is 3D gradient noise in [-1, 1].
func Noise3(p types.Float3) float32 {
	x, y, z := float64(p.X), float64(p.Y), float64(p.Z)
	fx, fy, fz := math.Floor(x), math.Floor(y), math.Floor(z)
	ix, iy, iz := int32(fx), int32(fy), int32(fz)
	x, y, z = x-fx, y-fy, z-fz

	u, v, w := fade(x), fade(y), fade(z)

	g := func(dx, dy, dz int32) float64 {
		return grad(cellHash(ix+dx, iy+dy, iz+dz),
			x-float64(dx), y-float64(dy), z-float64(dz))
	}

	n := lerp(w,
		lerp(v,
			lerp(u, g(0, 0, 0), g(1, 0, 0)),
			lerp(u, g(0, 1, 0), g(1, 1, 0))),
		lerp(v,
			lerp(u, g(0, 0, 1), g(1, 0, 1)),
			lerp(u, g(0, 1, 1), g(1, 1, 1))))
	return float32(n)
}

// Turbulence sums depth+1 octaves of Noise3. Soft turbulence remaps each
// octave to [0, 1]; hard turbulence folds each octave with abs. The result
// is normalized back into [0, 1].
func Turbulence(p types.Float3, depth int32, hard bool) float32 {
	if depth < 0 {
		depth = 0
	}
	var sum, amp, norm float64
	amp = 1
	freq := float32(1)
	for o := int32(0); o <= depth; o++ {
		t := float64(Noise3(types.Float3{X: p.X * freq, Y: p.Y * freq, Z: p.Z * freq}))
		if hard {
			t = math.Abs(t)
		} else {
			t = 0.5 * (t + 1)
		}
		sum += t * amp
		norm += amp
		amp *= 0.5
		freq *= 2
	}
	return float32(sum / norm)
}

// CloudsTex evaluates the clouds texture: fractal turbulence intensity and
// a gradient normal obtained by nabla-offset central differences.
func CloudsTex(co types.Float3, size float32, depth int32, hard bool, nabla float32) (float32, types.Float3) {
	inv := DivSafe(1, size)
	p := types.Float3{X: co.X * inv, Y: co.Y * inv, Z: co.Z * inv}

	intensity := Turbulence(p, depth, hard)

	f := func(q types.Float3) float32 { return Turbulence(q, depth, hard) }
	n := types.Float3{
		X: f(types.Float3{X: p.X - nabla, Y: p.Y, Z: p.Z}) - f(types.Float3{X: p.X + nabla, Y: p.Y, Z: p.Z}),
		Y: f(types.Float3{X: p.X, Y: p.Y - nabla, Z: p.Z}) - f(types.Float3{X: p.X, Y: p.Y + nabla, Z: p.Z}),
		Z: f(types.Float3{X: p.X, Y: p.Y, Z: p.Z - nabla}) - f(types.Float3{X: p.X, Y: p.Y, Z: p.Z + nabla}),
	}
	normal, _ := NormalizeV3(n)
	return intensity, normal
}

// Voronoi distance metrics.
const (
	VoronoiDistance = iota
	VoronoiDistanceSquared
	VoronoiManhattan
	VoronoiChebychev
	VoronoiMinkowski
)

// Voronoi color modes.
const (
	VoronoiIntensity = iota
	VoronoiCellColor
)

func voronoiDist(metric int32, exponent float64, dx, dy, dz float64) float64 {
	switch metric {
	case VoronoiDistanceSquared:
		return dx*dx + dy*dy + dz*dz
	case VoronoiManhattan:
		return math.Abs(dx) + math.Abs(dy) + math.Abs(dz)
	case VoronoiChebychev:
		return math.Max(math.Abs(dx), math.Max(math.Abs(dy), math.Abs(dz)))
	case VoronoiMinkowski:
		if exponent < 1e-3 {
			exponent = 1e-3
		}
		s := math.Pow(math.Abs(dx), exponent) +
			math.Pow(math.Abs(dy), exponent) +
			math.Pow(math.Abs(dz), exponent)
		return math.Pow(s, 1/exponent)
	default:
		return math.Sqrt(dx*dx + dy*dy + dz*dz)
	}
}

// voronoiF computes the four nearest feature distances and the cell hash
// of the nearest feature.
func voronoiF(p types.Float3, metric int32, exponent float64) (da [4]float64, nearest uint32) {
	da = [4]float64{1e10, 1e10, 1e10, 1e10}
	fx, fy, fz := math.Floor(float64(p.X)), math.Floor(float64(p.Y)), math.Floor(float64(p.Z))
	ix, iy, iz := int32(fx), int32(fy), int32(fz)

	for cx := ix - 1; cx <= ix+1; cx++ {
		for cy := iy - 1; cy <= iy+1; cy++ {
			for cz := iz - 1; cz <= iz+1; cz++ {
				h := cellHash(cx, cy, cz)
				// feature point inside the cell from three hash-derived fractions
				ox := float64(RandomFloat(hashFinal(h ^ 0x9e3779b9)))
				oy := float64(RandomFloat(hashFinal(h ^ 0x7f4a7c15)))
				oz := float64(RandomFloat(hashFinal(h ^ 0x94d049bb)))
				px := float64(cx) + ox
				py := float64(cy) + oy
				pz := float64(cz) + oz
				d := voronoiDist(metric, exponent, px-float64(p.X), py-float64(p.Y), pz-float64(p.Z))
				switch {
				case d < da[0]:
					da[0], da[1], da[2], da[3] = d, da[0], da[1], da[2]
					nearest = h
				case d < da[1]:
					da[1], da[2], da[3] = d, da[1], da[2]
				case d < da[2]:
					da[2], da[3] = d, da[2]
				case d < da[3]:
					da[3] = d
				}
			}
		}
	}
	return da, nearest
}

// VoronoiTex evaluates the Worley/Voronoi texture: a weighted combination
// of the four nearest feature distances, an optional per-cell color, and a
// nabla-difference normal.
func VoronoiTex(co types.Float3, metric, colorType int32, exponent, nabla float32,
	w1, w2, w3, w4, scale, noiseSize float32) (float32, types.Float4, types.Float3) {

	inv := DivSafe(1, noiseSize)
	p := types.Float3{X: co.X * inv, Y: co.Y * inv, Z: co.Z * inv}

	aw := float32(math.Abs(float64(w1)) + math.Abs(float64(w2)) +
		math.Abs(float64(w3)) + math.Abs(float64(w4)))
	sc := scale
	if aw != 0 {
		sc = DivSafe(scale, aw)
	}

	intensityAt := func(q types.Float3) float32 {
		da, _ := voronoiF(q, metric, float64(exponent))
		v := float64(w1)*da[0] + float64(w2)*da[1] + float64(w3)*da[2] + float64(w4)*da[3]
		return sc * float32(math.Abs(v))
	}

	intensity := intensityAt(p)

	var color types.Float4
	if colorType == VoronoiCellColor {
		_, nearest := voronoiF(p, metric, float64(exponent))
		color = types.Float4{
			X: intensity * RandomFloat(hashFinal(nearest^0x632be59b)),
			Y: intensity * RandomFloat(hashFinal(nearest^0x85ebca6b)),
			Z: intensity * RandomFloat(hashFinal(nearest^0xc2b2ae35)),
			W: 1,
		}
	} else {
		color = types.Float4{X: intensity, Y: intensity, Z: intensity, W: 1}
	}

	n := types.Float3{
		X: intensityAt(types.Float3{X: p.X - nabla, Y: p.Y, Z: p.Z}) - intensityAt(types.Float3{X: p.X + nabla, Y: p.Y, Z: p.Z}),
		Y: intensityAt(types.Float3{X: p.X, Y: p.Y - nabla, Z: p.Z}) - intensityAt(types.Float3{X: p.X, Y: p.Y + nabla, Z: p.Z}),
		Z: intensityAt(types.Float3{X: p.X, Y: p.Y, Z: p.Z - nabla}) - intensityAt(types.Float3{X: p.X, Y: p.Y, Z: p.Z + nabla}),
	}
	normal, _ := NormalizeV3(n)
	return intensity, color, normal
}
