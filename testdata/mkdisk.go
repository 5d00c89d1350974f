//go:build ignore

// mkdisk writes sample disk images for trying imgwalk by hand:
//
//	go run testdata/mkdisk.go
//	imgwalk partitions testdata/mbr-disk.img
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/lvdlvd/imgwalk/imagetest"
)

var taken = time.Date(2023, 6, 1, 9, 30, 0, 0, time.UTC)

func main() {
	for name, build := range map[string]func() []byte{
		"testdata/mbr-disk.img": mbrDisk,
		"testdata/gpt-disk.img": gptDisk,
		"testdata/card.exfat":   exfatCard,
	} {
		if err := os.WriteFile(name, build(), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
			os.Exit(1)
		}
		fmt.Println("wrote", name)
	}
}

// mbrDisk is a phone-like layout: a FAT32 card partition and an ext4
// userdata partition in a logical slot of an extended partition.
func mbrDisk() []byte {
	disk := imagetest.NewDisk(16 << 20)
	imagetest.Place(disk, 2048, imagetest.FAT32(4<<20, "PHONE",
		imagetest.File{Path: "DCIM/Camera/IMG_20230601_093000.jpg", Data: imagetest.Pattern(40000, 1), Modified: taken, Fragmented: true},
		imagetest.File{Path: "Download/boarding pass.pdf", Data: imagetest.Pattern(9000, 2)},
		imagetest.File{Path: "notes.txt", Data: []byte("call the lawyer\n")},
		imagetest.File{Path: "old.txt", Data: []byte("gone"), Deleted: true},
	))
	imagetest.Place(disk, 12289, imagetest.Ext4(4<<20,
		imagetest.File{Path: "media/0/DCIM/Camera/VID_0001.mp4", Data: imagetest.Pattern(70000, 3), Fragmented: true},
		imagetest.File{Path: "system/users/0/accounts.db", Data: imagetest.Pattern(4096, 4)},
		imagetest.File{Path: "build.prop", Data: []byte("ro.product.model=Sample\n")},
		imagetest.File{Path: "latest", Link: "media/0/DCIM/Camera/VID_0001.mp4"},
	))
	imagetest.WriteMBR(disk,
		imagetest.MBREntry{Boot: true, Type: 0x0C, Start: 2048, Sectors: 8192},
		imagetest.MBREntry{Type: 0x05, Start: 12288, Sectors: 8193},
	)
	imagetest.WriteEBRChain(disk, 12288,
		imagetest.MBREntry{Type: 0x83, Start: 12289, Sectors: 8192},
	)
	return disk
}

// gptDisk is a Mac-like layout: an EFI system partition and an HFS+
// volume.
func gptDisk() []byte {
	disk := imagetest.NewDisk(16 << 20)
	imagetest.Place(disk, 2048, imagetest.FAT32(2<<20, "EFI",
		imagetest.File{Path: "EFI/BOOT/BOOTX64.EFI", Data: imagetest.Pattern(5000, 5)},
	))
	imagetest.Place(disk, 8192, imagetest.HFSPlus(4<<20, "Macintosh HD",
		imagetest.File{Path: "Users/jo/Desktop/todo.txt", Data: []byte("pick up keys\n"), Modified: taken},
		imagetest.File{Path: "Users/jo/Pictures/holiday.heic", Data: imagetest.Pattern(30000, 6), Fragmented: true},
		imagetest.File{Path: "private/var/log/system.log", Data: []byte("boot\n")},
	))
	imagetest.WriteGPT(disk,
		imagetest.GPTEntry{Type: imagetest.GUIDEFISystem, Name: "EFI System Partition", First: 2048, Last: 6143},
		imagetest.GPTEntry{Type: imagetest.GUIDAppleHFS, Name: "Macintosh HD", First: 8192, Last: 16383},
	)
	return disk
}

// exfatCard is a bare exFAT volume with no partition table.
func exfatCard() []byte {
	return imagetest.ExFAT(4<<20, "CARD",
		imagetest.File{Path: "DCIM/100MEDIA/DJI_0001.JPG", Data: imagetest.Pattern(20000, 7), Modified: taken, Fragmented: true},
		imagetest.File{Path: "MISC/flight log.txt", Data: []byte("takeoff 09:30\n")},
	)
}
