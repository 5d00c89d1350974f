package image

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/lvdlvd/imgwalk/detect"
	"github.com/lvdlvd/imgwalk/fsys/part"
)

// Volume is what was detected at the start of one allocated partition.
type Volume struct {
	Name   string
	Offset int64
	Size   int64
	Desc   string
	Type   detect.Type
}

// Summary describes an image before anything is mounted.
type Summary struct {
	Path      string
	Size      int64
	Container string // "raw image" or "block device"
	Detected  detect.Type
	Scheme    string
	Fallback  string
	Volumes   []Volume
	Encrypted bool
	OS        string
}

// Analyze scans the partition table of h and sniffs every allocated
// partition. Detection failures leave the volume Unknown.
func Analyze(h *Handle, opts ...part.Option) Summary {
	s := Summary{
		Path:      h.Path(),
		Size:      h.Size(),
		Container: "raw image",
	}
	if h.Device() {
		s.Container = "block device"
	}
	s.Detected, _ = detect.Detect(h)

	tbl := part.Scan(h, h.Size(), opts...)
	s.Scheme = tbl.Type()
	s.Fallback = tbl.Fallback
	for _, p := range tbl.Allocated() {
		e := tbl.Extent(p)
		v := Volume{Name: p.Name, Offset: e.Physical, Size: e.Length, Desc: p.Description}
		v.Type, _ = detect.Detect(io.NewSectionReader(h, e.Physical, e.Length))
		if v.Type.Encrypted() {
			s.Encrypted = true
		}
		s.Volumes = append(s.Volumes, v)
	}
	if s.Detected.Encrypted() {
		s.Encrypted = true
	}
	s.OS = osHint(tbl.Allocated(), s.Volumes)
	return s
}

// osHint guesses the source platform from partition types and volume
// formats. The first match wins.
func osHint(parts []part.Partition, vols []Volume) string {
	for _, p := range parts {
		switch d := p.Description; {
		case strings.HasPrefix(d, "Android"):
			return "Android"
		case strings.HasPrefix(d, "Apple"), strings.HasPrefix(d, "Mac OS"):
			return "Apple"
		}
	}
	for _, v := range vols {
		switch {
		case v.Type.IsHFS(), v.Type == detect.APFS:
			return "Apple"
		case v.Type.IsExt():
			return "Linux/Android"
		case v.Type == detect.NTFS, v.Type == detect.BitLocker:
			return "Windows"
		case v.Type.IsFAT(), v.Type == detect.ExFAT:
			return "Removable media"
		}
	}
	return "Unknown"
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Image:      %s (%s, %s)\n", s.Path, s.Container, strings.TrimPrefix(filepath.Ext(s.Path), "."))
	fmt.Fprintf(&b, "Size:       %d bytes (%.2f MiB)\n", s.Size, float64(s.Size)/(1<<20))
	fmt.Fprintf(&b, "Sector 0:   %s\n", s.Detected)
	fmt.Fprintf(&b, "Scheme:     %s\n", s.Scheme)
	if s.Fallback != "" {
		fmt.Fprintf(&b, "Fallback:   %s\n", s.Fallback)
	}
	fmt.Fprintf(&b, "Platform:   %s\n", s.OS)
	if s.Encrypted {
		b.WriteString("Encrypted:  yes (contents cannot be read)\n")
	}
	for _, v := range s.Volumes {
		fmt.Fprintf(&b, "  %-4s offset %-12d size %-12d %-8s %s\n", v.Name, v.Offset, v.Size, v.Type, v.Desc)
	}
	return b.String()
}
