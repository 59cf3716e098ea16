// Command fsfmt is a standalone disk-image inspector and formatter: it
// exercises internal/diskimage directly, without a running server, for
// offline image creation and diagnosis.
//
// Grounded on the teacher's cmd/w64tool subcommand dispatch (cmd name as
// args[0], flag.Parse for the rest) and spec.md §4.6's FORMAT semantics,
// adapted from w64tool's W64F-client subcommands to direct
// internal/diskimage calls since there is no running server to talk to.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"fsserver/internal/diskimage"
	"fsserver/internal/version"
)

func main() {
	root := &cobra.Command{
		Use:     "fsfmt",
		Short:   "Inspect and format D64/D71/D81 disk images",
		Version: version.Get().String(),
	}

	root.AddCommand(
		lsCmd(),
		catCmd(),
		formatCmd(),
		freeCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fsfmt:", err)
		os.Exit(1)
	}
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <image>",
		Short: "List the directory of a disk image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			switch kind(path) {
			case "d64":
				img, err := diskimage.LoadD64(path)
				if err != nil {
					return err
				}
				for _, fe := range img.SortedEntries() {
					printEntry(fe)
				}
				free, _ := diskimage.FreeBlocksD64(img)
				fmt.Printf("%d blocks free.\n", free)
			case "d71":
				img, err := diskimage.LoadD71(path)
				if err != nil {
					return err
				}
				for _, fe := range img.SortedEntries() {
					printEntry(fe)
				}
			case "d81":
				img, err := diskimage.LoadD81(path)
				if err != nil {
					return err
				}
				for _, fe := range img.SortedEntries() {
					printEntry(fe)
				}
			default:
				return fmt.Errorf("fsfmt: cannot determine image kind for %s", path)
			}
			return nil
		},
	}
}

func printEntry(fe *diskimage.FileEntry) {
	letters := []string{"DEL", "SEQ", "PRG", "USR", "REL"}
	t := "???"
	if int(fe.Type) < len(letters) {
		t = letters[fe.Type]
	}
	fmt.Printf("%-5d \"%-16s\" %s\n", fe.Blocks, fe.Name, t)
}

func catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <image> <name>",
		Short: "Dump one file's contents to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, name := args[0], args[1]
			if kind(path) != "d64" {
				return fmt.Errorf("fsfmt: cat is only implemented for D64 images")
			}
			img, err := diskimage.LoadD64(path)
			if err != nil {
				return err
			}
			fe, ok := img.Lookup(name)
			if !ok {
				return fmt.Errorf("fsfmt: %s: file not found", name)
			}
			data, err := diskimage.ReadFileRange(path, fe, 0, fe.Size)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}
}

func formatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "format <image> <name> <id>",
		Short: "Initialise a fresh 35-track D64 image (FormatD64's layout)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, name, id := args[0], args[1], args[2]
			return diskimage.FormatD64(path, name, id)
		},
	}
}

func freeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "free <image>",
		Short: "Report free blocks on a D64 image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := diskimage.LoadD64(args[0])
			if err != nil {
				return err
			}
			free, err := diskimage.FreeBlocksD64(img)
			if err != nil {
				return err
			}
			fmt.Println(free)
			return nil
		},
	}
}

// kind guesses the image family from its file extension, falling back to
// "d64" when unrecognised (FormatD64 also defaults new images to D64).
func kind(path string) string {
	switch {
	case strings.HasSuffix(strings.ToLower(path), ".d71"):
		return "d71"
	case strings.HasSuffix(strings.ToLower(path), ".d81"):
		return "d81"
	case strings.HasSuffix(strings.ToLower(path), ".d64"):
		return "d64"
	default:
		return "d64"
	}
}
