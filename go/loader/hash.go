package loader

import (
	"github.com/pkg/errors"
)

func ElfHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h<<4 + uint32(name[i])
		if g := h & 0xf0000000; g != 0 {
			h ^= g >> 24
		}
		h &^= 0xf0000000
	}
	return h
}

func GnuHash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h
}

type sysvHash struct {
	nbucket, nchain uint32
	buckets, chains []uint32
}

func (img *Image) readSysvHash(addr uint64) (*sysvHash, error) {
	head, err := img.readVaddr(addr, 8)
	if err != nil {
		return nil, errors.Wrap(err, "DT_HASH")
	}
	h := &sysvHash{
		nbucket: img.Order.Uint32(head),
		nchain:  img.Order.Uint32(head[4:]),
	}
	n := uint64(h.nbucket) + uint64(h.nchain)
	data, err := img.readVaddr(addr+8, n*4)
	if err != nil {
		return nil, errors.Wrap(err, "DT_HASH")
	}
	words := make([]uint32, n)
	for i := range words {
		words[i] = img.Order.Uint32(data[i*4:])
	}
	h.buckets, h.chains = words[:h.nbucket], words[h.nbucket:]
	return h, nil
}

func (h *sysvHash) lookup(name string, fn func(uint32) bool) {
	if h.nbucket == 0 {
		return
	}
	// bounded by nchain so a corrupt chain cannot loop forever
	idx := h.buckets[ElfHash(name)%h.nbucket]
	for n := uint32(0); idx != 0 && idx < h.nchain && n < h.nchain; n++ {
		if fn(idx) {
			return
		}
		idx = h.chains[idx]
	}
}

type gnuHash struct {
	symoffset  uint32
	bloomShift uint32
	bloom      []uint64
	bloomBits  uint32
	buckets    []uint32
	chains     []uint32
}

func (img *Image) readGnuHash(addr uint64) (*gnuHash, error) {
	head, err := img.readVaddr(addr, 16)
	if err != nil {
		return nil, errors.Wrap(err, "DT_GNU_HASH")
	}
	o := img.Order
	nbuckets, symoffset := o.Uint32(head), o.Uint32(head[4:])
	bloomSize, bloomShift := o.Uint32(head[8:]), o.Uint32(head[12:])
	word := uint64(img.ptrSize())
	h := &gnuHash{symoffset: symoffset, bloomShift: bloomShift, bloomBits: uint32(word * 8)}
	pos := addr + 16
	bloom, err := img.readVaddr(pos, uint64(bloomSize)*word)
	if err != nil {
		return nil, errors.Wrap(err, "DT_GNU_HASH bloom")
	}
	h.bloom = make([]uint64, bloomSize)
	for i := range h.bloom {
		if word == 8 {
			h.bloom[i] = o.Uint64(bloom[i*8:])
		} else {
			h.bloom[i] = uint64(o.Uint32(bloom[i*4:]))
		}
	}
	pos += uint64(bloomSize) * word
	buckets, err := img.readVaddr(pos, uint64(nbuckets)*4)
	if err != nil {
		return nil, errors.Wrap(err, "DT_GNU_HASH buckets")
	}
	h.buckets = make([]uint32, nbuckets)
	var max uint32
	for i := range h.buckets {
		h.buckets[i] = o.Uint32(buckets[i*4:])
		if h.buckets[i] > max {
			max = h.buckets[i]
		}
	}
	pos += uint64(nbuckets) * 4
	if max < symoffset {
		return h, nil
	}
	// walk the last chain to its terminator to size the chain array
	count := max - symoffset + 1
	for ; ; count++ {
		b, err := img.readVaddr(pos+uint64(count-1)*4, 4)
		if err != nil {
			return nil, errors.Wrap(err, "DT_GNU_HASH chain")
		}
		if o.Uint32(b)&1 != 0 {
			break
		}
	}
	chains, err := img.readVaddr(pos, uint64(count)*4)
	if err != nil {
		return nil, errors.Wrap(err, "DT_GNU_HASH chain")
	}
	h.chains = make([]uint32, len(chains)/4)
	for i := range h.chains {
		h.chains[i] = o.Uint32(chains[i*4:])
	}
	return h, nil
}

func (h *gnuHash) symbolCount() int {
	return int(h.symoffset) + len(h.chains)
}

func (h *gnuHash) lookup(name string, fn func(uint32) bool) {
	if len(h.buckets) == 0 {
		return
	}
	hash := GnuHash(name)
	if len(h.bloom) > 0 {
		word := h.bloom[(hash/h.bloomBits)%uint32(len(h.bloom))]
		mask := uint64(1)<<(hash%h.bloomBits) | uint64(1)<<((hash>>h.bloomShift)%h.bloomBits)
		if word&mask != mask {
			return
		}
	}
	idx := h.buckets[hash%uint32(len(h.buckets))]
	if idx < h.symoffset {
		return
	}
	for i := idx - h.symoffset; int(i) < len(h.chains); i++ {
		v := h.chains[i]
		if v|1 == hash|1 && fn(i+h.symoffset) {
			return
		}
		if v&1 != 0 {
			return
		}
	}
}
