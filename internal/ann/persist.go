package ann

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
)

// On-disk layout, little endian:
//
//	fileHeader
//	per node: nodeHeader, vector [dims]float32, then per layer 0..level:
//	          friend count uint32, friends [count]uint32
const magic = "CLHNSW02"

const formatVersion = 2

type fileHeader struct {
	Magic          [8]byte
	Version        uint32
	Dims           uint32
	Nodes          uint32
	EntryPoint     int32
	MaxLevel       int32
	M              uint32
	Mmax0          uint32
	EfConstruction uint32
	EfSearch       uint32
}

type nodeHeader struct {
	ID      int64
	Deleted uint32
	Level   uint32
}

var byteOrder = binary.LittleEndian

// Save writes the index to path. The file is written beside path and
// renamed into place, so readers never see a torn index.
func (idx *Index) Save(path string) (err error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("creating index file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(f.Name())
			return
		}
		err = os.Rename(f.Name(), path)
	}()

	w := bufio.NewWriter(f)
	hdr := fileHeader{
		Version:        formatVersion,
		Dims:           uint32(idx.dims),
		Nodes:          uint32(len(idx.nodes)),
		EntryPoint:     int32(idx.entryPoint),
		MaxLevel:       int32(idx.maxLevel),
		M:              uint32(idx.M),
		Mmax0:          uint32(idx.Mmax0),
		EfConstruction: uint32(idx.EfConstruction),
		EfSearch:       uint32(idx.EfSearch),
	}
	copy(hdr.Magic[:], magic)
	if err := binary.Write(w, byteOrder, &hdr); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	for i := range idx.nodes {
		if err := writeNode(w, &idx.nodes[i]); err != nil {
			return fmt.Errorf("writing node %d: %w", i, err)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

func writeNode(w io.Writer, n *node) error {
	nh := nodeHeader{ID: n.id, Level: uint32(n.level)}
	if n.deleted {
		nh.Deleted = 1
	}
	if err := binary.Write(w, byteOrder, &nh); err != nil {
		return err
	}
	if err := binary.Write(w, byteOrder, n.vector); err != nil {
		return err
	}
	for l := 0; l <= n.level; l++ {
		friends := make([]uint32, len(n.friends[l]))
		for j, fi := range n.friends[l] {
			friends[j] = uint32(fi)
		}
		if err := binary.Write(w, byteOrder, uint32(len(friends))); err != nil {
			return err
		}
		if err := binary.Write(w, byteOrder, friends); err != nil {
			return err
		}
	}
	return nil
}

// Load restores an index written by Save.
func Load(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening index file: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var hdr fileHeader
	if err := binary.Read(r, byteOrder, &hdr); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if string(hdr.Magic[:]) != magic {
		return nil, fmt.Errorf("invalid magic: %q (expected %q)", string(hdr.Magic[:]), magic)
	}
	if hdr.Version != formatVersion {
		return nil, fmt.Errorf("unsupported version: %d", hdr.Version)
	}
	if hdr.M < 2 {
		return nil, fmt.Errorf("corrupt header: M=%d", hdr.M)
	}

	idx := &Index{
		dims:           int(hdr.Dims),
		M:              int(hdr.M),
		Mmax0:          int(hdr.Mmax0),
		EfConstruction: int(hdr.EfConstruction),
		EfSearch:       int(hdr.EfSearch),
		LevelMult:      1.0 / math.Log(float64(hdr.M)),
		entryPoint:     int(hdr.EntryPoint),
		maxLevel:       int(hdr.MaxLevel),
		nodes:          make([]node, 0, hdr.Nodes),
		idToIdx:        make(map[int64]int, hdr.Nodes),
		rng:            rand.New(rand.NewSource(int64(hdr.Nodes) + 42)),
	}

	for i := 0; i < int(hdr.Nodes); i++ {
		n, err := readNode(r, idx.dims, int(hdr.Nodes))
		if err != nil {
			return nil, fmt.Errorf("reading node %d: %w", i, err)
		}
		idx.nodes = append(idx.nodes, n)
		if n.deleted {
			idx.deleted++
		} else {
			idx.idToIdx[n.id] = i
		}
	}
	return idx, nil
}

func readNode(r io.Reader, dims, total int) (node, error) {
	var nh nodeHeader
	if err := binary.Read(r, byteOrder, &nh); err != nil {
		return node{}, err
	}
	n := node{
		id:      nh.ID,
		level:   int(nh.Level),
		deleted: nh.Deleted == 1,
		vector:  make([]float32, dims),
		friends: make([][]int, nh.Level+1),
	}
	if err := binary.Read(r, byteOrder, n.vector); err != nil {
		return node{}, err
	}
	for l := range n.friends {
		var count uint32
		if err := binary.Read(r, byteOrder, &count); err != nil {
			return node{}, err
		}
		if int(count) > total {
			return node{}, errors.New("friend count exceeds node count")
		}
		raw := make([]uint32, count)
		if err := binary.Read(r, byteOrder, raw); err != nil {
			return node{}, err
		}
		n.friends[l] = make([]int, count)
		for j, fi := range raw {
			n.friends[l][j] = int(fi)
		}
	}
	return n, nil
}
