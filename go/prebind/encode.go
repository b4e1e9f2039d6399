package prebind

import (
	"bytes"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// encode lays out the body tables followed by the footer.
func encode(d *Data) ([]byte, error) {
	var body bytes.Buffer
	f := &footer{
		PrebindBase: d.OrigSize,
		ID0:         d.ID0,
		ID1:         d.ID1,
		OrigSize:    d.OrigSize,
		OrigSum:     d.OrigSum,
		Version:     Version,
		BindID:      BindID,
	}
	pack := func(v interface{}) error {
		return struc.PackWithOrder(&body, v, order)
	}
	off := func() uint32 { return uint32(body.Len()) }

	var names bytes.Buffer
	f.NameIdxOff, f.NumLibs = off(), uint32(len(d.Names))
	for _, n := range d.Names {
		rec := &nameIdx{NameOff: uint32(names.Len()), ID0: n.ID0, ID1: n.ID1}
		names.WriteString(n.Name)
		names.WriteByte(0)
		if err := pack(rec); err != nil {
			return nil, err
		}
	}
	f.NameTabOff, f.NameTabSize = off(), uint32(names.Len())
	body.Write(names.Bytes())

	packEntries := func(ents []Entry) error {
		for _, e := range ents {
			if err := pack(&symCache{Idx: e.Idx, ObjIdx: e.ObjIdx, SymIdx: e.SymIdx}); err != nil {
				return err
			}
		}
		return nil
	}
	f.SymCacheOff, f.SymCacheCount = off(), uint32(len(d.SymCache))
	if err := packEntries(d.SymCache); err != nil {
		return nil, err
	}
	f.PLTCacheOff, f.PLTCacheCount = off(), uint32(len(d.PLTCache))
	if err := packEntries(d.PLTCache); err != nil {
		return nil, err
	}

	f.FixupOff, f.FixupCount = off(), uint32(len(d.Fixups))
	var ent uint32
	for _, fx := range d.Fixups {
		dir := &fixupDir{Lib: fx.Lib, Off: ent, Count: uint32(len(fx.Entries))}
		if fx.PLT {
			dir.PLT = 1
		}
		if err := pack(dir); err != nil {
			return nil, err
		}
		ent += dir.Count
	}
	f.FixupEntOff, f.FixupEntCount = off(), ent
	for _, fx := range d.Fixups {
		if err := packEntries(fx.Entries); err != nil {
			return nil, err
		}
	}

	f.LibMapOff, f.LibMapCount = off(), uint32(len(d.LibMaps))
	ent = 0
	for _, m := range d.LibMaps {
		if err := pack(&libMapDir{Lib: m.Lib, Off: ent, Count: uint32(len(m.Map))}); err != nil {
			return nil, err
		}
		ent += uint32(len(m.Map))
	}
	f.LibMapEntOff, f.LibMapEntCnt = off(), ent
	for _, m := range d.LibMaps {
		for _, pos := range m.Map {
			if err := pack(&pos); err != nil {
				return nil, err
			}
		}
	}

	f.PrebindSize = uint32(body.Len() + footerSize)
	if err := pack(f); err != nil {
		return nil, errors.Wrap(err, "packing prebind footer")
	}
	return body.Bytes(), nil
}

func readFooter(buf []byte) (*footer, error) {
	if len(buf) < footerSize {
		return nil, ErrNoTrailer
	}
	f := &footer{}
	if err := struc.UnpackWithOrder(bytes.NewReader(buf[len(buf)-footerSize:]), f, order); err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	if f.BindID != BindID {
		return nil, ErrNoTrailer
	}
	if f.Version != Version {
		return nil, errors.Wrapf(ErrCorrupt, "version %d", f.Version)
	}
	if int(f.PrebindSize) < footerSize || int(f.PrebindSize) > len(buf) {
		return nil, errors.Wrapf(ErrCorrupt, "size %d", f.PrebindSize)
	}
	return f, nil
}

// decode parses a trailer occupying the end of buf.
func decode(buf []byte) (*Data, uint32, error) {
	f, err := readFooter(buf)
	if err != nil {
		return nil, 0, err
	}
	d, err := decodeBody(buf[len(buf)-int(f.PrebindSize):len(buf)-footerSize], f)
	return d, f.PrebindSize, err
}

func decodeBody(body []byte, f *footer) (*Data, error) {
	table := func(off, count uint32, size int) (*bytes.Reader, error) {
		end := uint64(off) + uint64(count)*uint64(size)
		if end > uint64(len(body)) {
			return nil, errors.Wrapf(ErrCorrupt, "table at %#x+%d overruns body", off, count)
		}
		return bytes.NewReader(body[off:end]), nil
	}
	unpack := func(r *bytes.Reader, v interface{}) error {
		if err := struc.UnpackWithOrder(r, v, order); err != nil {
			return errors.Wrap(ErrCorrupt, err.Error())
		}
		return nil
	}
	readEntries := func(r *bytes.Reader, n uint32) ([]Entry, error) {
		ents := make([]Entry, n)
		for i := range ents {
			var rec symCache
			if err := unpack(r, &rec); err != nil {
				return nil, err
			}
			ents[i] = Entry{Idx: rec.Idx, ObjIdx: rec.ObjIdx, SymIdx: rec.SymIdx}
		}
		return ents, nil
	}

	d := &Data{ID0: f.ID0, ID1: f.ID1, OrigSize: f.OrigSize, OrigSum: f.OrigSum}
	if uint64(f.NameTabOff)+uint64(f.NameTabSize) > uint64(len(body)) {
		return nil, errors.Wrap(ErrCorrupt, "name table overruns body")
	}
	names := body[f.NameTabOff : f.NameTabOff+f.NameTabSize]
	r, err := table(f.NameIdxOff, f.NumLibs, nameIdxSize)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < f.NumLibs; i++ {
		var rec nameIdx
		if err := unpack(r, &rec); err != nil {
			return nil, err
		}
		if rec.NameOff >= uint32(len(names)) {
			return nil, errors.Wrap(ErrCorrupt, "name offset out of range")
		}
		name := names[rec.NameOff:]
		if end := bytes.IndexByte(name, 0); end >= 0 {
			name = name[:end]
		}
		d.Names = append(d.Names, Name{Name: string(name), ID0: rec.ID0, ID1: rec.ID1})
	}
	if r, err = table(f.SymCacheOff, f.SymCacheCount, symCacheSize); err != nil {
		return nil, err
	}
	if d.SymCache, err = readEntries(r, f.SymCacheCount); err != nil {
		return nil, err
	}
	if r, err = table(f.PLTCacheOff, f.PLTCacheCount, symCacheSize); err != nil {
		return nil, err
	}
	if d.PLTCache, err = readEntries(r, f.PLTCacheCount); err != nil {
		return nil, err
	}

	if r, err = table(f.FixupOff, f.FixupCount, fixupDirSize); err != nil {
		return nil, err
	}
	dirs := make([]fixupDir, f.FixupCount)
	for i := range dirs {
		if err := unpack(r, &dirs[i]); err != nil {
			return nil, err
		}
	}
	for _, dir := range dirs {
		if uint64(dir.Off)+uint64(dir.Count) > uint64(f.FixupEntCount) {
			return nil, errors.Wrap(ErrCorrupt, "fixup directory out of range")
		}
		er, err := table(f.FixupEntOff+dir.Off*uint32(symCacheSize), dir.Count, symCacheSize)
		if err != nil {
			return nil, err
		}
		ents, err := readEntries(er, dir.Count)
		if err != nil {
			return nil, err
		}
		d.Fixups = append(d.Fixups, Fixup{Lib: dir.Lib, PLT: dir.PLT != 0, Entries: ents})
	}

	if r, err = table(f.LibMapOff, f.LibMapCount, libMapDirSize); err != nil {
		return nil, err
	}
	maps := make([]libMapDir, f.LibMapCount)
	for i := range maps {
		if err := unpack(r, &maps[i]); err != nil {
			return nil, err
		}
	}
	for _, dir := range maps {
		if uint64(dir.Off)+uint64(dir.Count) > uint64(f.LibMapEntCnt) {
			return nil, errors.Wrap(ErrCorrupt, "libmap directory out of range")
		}
		mr, err := table(f.LibMapEntOff+dir.Off*4, dir.Count, 4)
		if err != nil {
			return nil, err
		}
		m := LibMap{Lib: dir.Lib, Map: make([]uint32, dir.Count)}
		for i := range m.Map {
			if err := unpack(mr, &m.Map[i]); err != nil {
				return nil, err
			}
		}
		d.LibMaps = append(d.LibMaps, m)
	}
	return d, nil
}
