package framecodec

// unassigned marks palette indices that no pixel uses.
const unassigned uint8 = 0xFF

// remapTable maps source palette indices to usage-ranked indices.
type remapTable struct {
	index   [256]uint8
	palette []uint32
}

// colors returns the number of used colors.
func (rt *remapTable) colors() int {
	return len(rt.palette)
}

// buildRemap ranks the used colors of f by descending usage. It returns false
// for a degenerate frame (no used colors) or one that uses more colors than
// the palette capacity or references indices outside its palette.
func buildRemap(f *Frame) (remapTable, bool) {
	var rt remapTable
	for i := range rt.index {
		rt.index[i] = unassigned
	}

	usage := f.Usage
	if usage == nil {
		usage = CountUsage(f.Pixels)
	} else {
		usage = append([]ColorUsage(nil), usage...)
		sortUsage(usage)
	}

	for _, u := range usage {
		if u.Count <= 0 {
			continue
		}
		if int(u.Index) >= len(f.Palette) || len(rt.palette) == MaxColors {
			return rt, false
		}
		if rt.index[u.Index] != unassigned {
			continue
		}
		rt.index[u.Index] = uint8(len(rt.palette))
		rt.palette = append(rt.palette, f.Palette[u.Index])
	}

	return rt, len(rt.palette) > 0
}
