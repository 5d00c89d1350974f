// imgwalk - Browse and extract files from raw disk images (FAT, exFAT, ext2/3/4, HFS+)
//
// Usage:
//
//	imgwalk info <image>
//	imgwalk partitions <image>
//	imgwalk ls [-l] [--partition n | --offset bytes] <image> [path]
//	imgwalk cat <image> <path>
//	imgwalk stat <image> <path>
//	imgwalk extract [--out dir] [--workers n] <image> <path>...
//	imgwalk find <image> <pattern>
//	imgwalk shell <image>
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/lvdlvd/imgwalk/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := cmd.Root().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "imgwalk: %v\n", err)
		stop()
		os.Exit(1)
	}
}
