package sky

import (
	"fmt"
	"math"
)

// MaxOrder is the deepest HEALPix order representable with int64 nested indices.
const MaxOrder = 29

// pixel edges are not great circles; widen the centre-to-corner bound slightly.
const pixradSlack = 1.01

var (
	jrll = [12]int64{2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4}
	jpll = [12]int64{1, 3, 5, 7, 0, 2, 4, 6, 1, 3, 5, 7}
)

// HEALPix is a nested-scheme HEALPix tessellation at a fixed order.
type HEALPix struct {
	order int
	nside int64
	npix  int64
}

// NewHEALPix returns the nested HEALPix indexer for order (nside = 2^order).
func NewHEALPix(order int) (HEALPix, error) {
	if order < 0 || order > MaxOrder {
		return HEALPix{}, fmt.Errorf("healpix order %d out of range [0, %d]", order, MaxOrder)
	}
	nside := int64(1) << uint(order)
	return HEALPix{order: order, nside: nside, npix: 12 * nside * nside}, nil
}

func mustHEALPix(order int) HEALPix {
	h, err := NewHEALPix(order)
	if err != nil {
		panic(err)
	}
	return h
}

func (h HEALPix) Order() int      { return h.order }
func (h HEALPix) NSide() int64    { return h.nside }
func (h HEALPix) NumCells() int64 { return h.npix }

// Resolution is sqrt(4π/npix) in degrees.
func (h HEALPix) Resolution() float64 {
	return rad2deg(math.Sqrt(4 * math.Pi / float64(h.npix)))
}

// MaxRadius is the maximum centre-to-corner distance of any pixel, in degrees.
func (h HEALPix) MaxRadius() float64 {
	ns := float64(h.nside)
	va := zphiToVec(2.0/3.0, math.Pi/(4*ns))
	t1 := 1 - 1/ns
	t1 *= t1
	vb := zphiToVec(1-t1/3, 0)
	return rad2deg(vecAngle(va, vb))
}

// CellOf returns the nested pixel index containing p.
func (h HEALPix) CellOf(p Position) int64 {
	z := math.Sin(deg2rad(p.Dec))
	phi := deg2rad(p.RA)
	return h.zphi2nest(z, phi)
}

// Center returns the pixel centre.
func (h HEALPix) Center(cell int64) Position {
	z, phi := h.nest2zphi(cell)
	ra := math.Mod(rad2deg(phi), 360)
	if ra < 0 {
		ra += 360
	}
	return Position{RA: ra, Dec: rad2deg(math.Asin(z))}
}

// Valid reports whether cell is a pixel index at this order.
func (h HEALPix) Valid(cell int64) bool {
	return cell >= 0 && cell < h.npix
}

// Cover descends the nested hierarchy from the 12 base pixels, keeping every
// pixel whose centre is within radius plus the pixel radius of the disc centre.
// The result over-covers the disc.
func (h HEALPix) Cover(center Position, radius float64) []int64 {
	if radius >= 180 {
		all := make([]int64, h.npix)
		for i := range all {
			all[i] = int64(i)
		}
		return all
	}
	cands := make([]int64, 12)
	for i := range cands {
		cands[i] = int64(i)
	}
	for o := 0; ; o++ {
		level := mustHEALPix(o)
		limit := radius + level.MaxRadius()*pixradSlack
		keep := cands[:0]
		for _, c := range cands {
			if Separation(center, level.Center(c)) <= limit {
				keep = append(keep, c)
			}
		}
		if o == h.order {
			return keep
		}
		next := make([]int64, 0, 4*len(keep))
		for _, c := range keep {
			next = append(next, 4*c, 4*c+1, 4*c+2, 4*c+3)
		}
		cands = next
	}
}

// Parent returns the pixel containing cell at a lower order.
func (h HEALPix) Parent(cell int64, order int) int64 {
	if order >= h.order {
		return cell
	}
	return cell >> (2 * uint(h.order-order))
}

func (h HEALPix) zphi2nest(z, phi float64) int64 {
	za := math.Abs(z)
	tt := math.Mod(phi*2/math.Pi, 4)
	if tt < 0 {
		tt += 4
	}
	ns := h.nside
	var face, ix, iy int64
	if za <= 2.0/3.0 {
		temp1 := float64(ns) * (0.5 + tt)
		temp2 := float64(ns) * (z * 0.75)
		jp := int64(temp1 - temp2)
		jm := int64(temp1 + temp2)
		ifp := jp >> uint(h.order)
		ifm := jm >> uint(h.order)
		switch {
		case ifp == ifm:
			face = ifp | 4
		case ifp < ifm:
			face = ifp
		default:
			face = ifm + 8
		}
		ix = jm & (ns - 1)
		iy = ns - (jp & (ns - 1)) - 1
	} else {
		ntt := int64(tt)
		if ntt > 3 {
			ntt = 3
		}
		tp := tt - float64(ntt)
		tmp := float64(ns) * math.Sqrt(3*(1-za))
		jp := int64(tp * tmp)
		jm := int64((1 - tp) * tmp)
		if jp > ns-1 {
			jp = ns - 1
		}
		if jm > ns-1 {
			jm = ns - 1
		}
		if z >= 0 {
			face = ntt
			ix = ns - jm - 1
			iy = ns - jp - 1
		} else {
			face = ntt + 8
			ix = jp
			iy = jm
		}
	}
	return face<<(2*uint(h.order)) + spreadBits(ix) + spreadBits(iy)<<1
}

func (h HEALPix) nest2zphi(pix int64) (float64, float64) {
	npface := h.nside * h.nside
	face := pix >> (2 * uint(h.order))
	p := pix & (npface - 1)
	ix := compressBits(p)
	iy := compressBits(p >> 1)

	ns := h.nside
	fact2 := 4 / float64(h.npix)
	fact1 := float64(ns<<1) * fact2

	jr := jrll[face]<<uint(h.order) - ix - iy - 1
	var nr int64
	var z float64
	switch {
	case jr < ns:
		nr = jr
		z = 1 - float64(nr*nr)*fact2
	case jr > 3*ns:
		nr = 4*ns - jr
		z = float64(nr*nr)*fact2 - 1
	default:
		nr = ns
		z = float64(2*ns-jr) * fact1
	}
	tmp := jpll[face]*nr + ix - iy
	if tmp < 0 {
		tmp += 8 * nr
	}
	phi := math.Pi / 4 * float64(tmp) / float64(nr)
	return z, phi
}

func spreadBits(v int64) int64 {
	var out int64
	for i := uint(0); i < 32; i++ {
		out |= ((v >> i) & 1) << (2 * i)
	}
	return out
}

func compressBits(v int64) int64 {
	var out int64
	for i := uint(0); i < 32; i++ {
		out |= ((v >> (2 * i)) & 1) << i
	}
	return out
}

func zphiToVec(z, phi float64) [3]float64 {
	st := math.Sqrt((1 - z) * (1 + z))
	return [3]float64{st * math.Cos(phi), st * math.Sin(phi), z}
}

func vecAngle(a, b [3]float64) float64 {
	cx := a[1]*b[2] - a[2]*b[1]
	cy := a[2]*b[0] - a[0]*b[2]
	cz := a[0]*b[1] - a[1]*b[0]
	dot := a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
	return math.Atan2(math.Sqrt(cx*cx+cy*cy+cz*cz), dot)
}
