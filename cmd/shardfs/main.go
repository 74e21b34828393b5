// cmd/shardfs/main.go
//
// shardfs is a non-interactive client for a shardfs gateway. Each invocation
// runs one command over one connection.
//
// Usage:
//
//	shardfs upload <local-file> <~S1/dir>
//	shardfs download <~S1/path> [local-file]
//	shardfs remove <~S1/path>
//	shardfs list <~S1/dir>
//	shardfs archive <.ext> [local-file]
//	shardfs ping
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ssd-technologies/shardfs/internal/client"
	"github.com/ssd-technologies/shardfs/internal/command"
	"github.com/ssd-technologies/shardfs/internal/config"
)

func main() {
	fs := flag.NewFlagSet("shardfs", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to the YAML config file")
	gateway := fs.String("gateway", "", "gateway address (default gateway.listen from config)")
	fs.Usage = printUsage
	fs.Parse(os.Args[1:])

	args := fs.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatalf("%v", err)
	}
	if err := preflight(args[0], args[1:], cfg.Storage.Marker); err != nil {
		fatalf("%v", err)
	}
	addr := *gateway
	if addr == "" {
		addr = cfg.Gateway.Listen
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Wire.DialTimeout)
	c, err := client.Dial(ctx, addr, cfg.WireOptions())
	cancel()
	if err != nil {
		fatalf("%v", err)
	}
	defer c.Close()

	if err := run(c, args[0], args[1:]); err != nil {
		c.Close()
		fatalf("%v", err)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: shardfs [--config file] [--gateway addr] <command> [args]

Commands:
  upload <local-file> <~S1/dir>     Store a .c, .pdf, .txt or .zip file
  download <~S1/path> [local-file]  Fetch a file
  remove <~S1/path>                 Delete a file
  list <~S1/dir>                    List files of every category under dir
  archive <.ext> [local-file]       Fetch a tar of every file with ext
  ping                              Check the gateway answers
`)
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", a...)
	os.Exit(1)
}

func need(args []string, min, max int) error {
	if len(args) < min || len(args) > max {
		printUsage()
		return fmt.Errorf("wrong number of arguments")
	}
	return nil
}

// preflight rejects a command the gateway would refuse before dialing it.
func preflight(verb string, args []string, marker string) error {
	var line string
	switch verb {
	case "upload":
		if err := need(args, 2, 2); err != nil {
			return err
		}
		line = fmt.Sprintf("upload %s %s", filepath.Base(args[0]), args[1])
	case "download", "archive":
		if err := need(args, 1, 2); err != nil {
			return err
		}
		line = verb + " " + args[0]
	case "remove", "list":
		if err := need(args, 1, 1); err != nil {
			return err
		}
		line = verb + " " + args[0]
	case "ping":
		return need(args, 0, 0)
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", verb)
	}
	cmd, err := command.Parse(line)
	if err != nil {
		return err
	}
	return client.Validate(cmd, marker)
}

func run(c *client.Client, verb string, args []string) error {
	switch verb {
	case "upload":
		if err := need(args, 2, 2); err != nil {
			return err
		}
		start := time.Now()
		msg, size, err := c.UploadFile(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s in %s)\n", msg, humanize.Bytes(uint64(size)), time.Since(start).Round(time.Millisecond))

	case "download":
		if err := need(args, 1, 2); err != nil {
			return err
		}
		dst := filepath.Base(args[0])
		if len(args) == 2 {
			dst = args[1]
		}
		n, err := c.DownloadFile(args[0], dst)
		if err != nil {
			return err
		}
		fmt.Printf("Downloaded %s (%s)\n", dst, humanize.Bytes(uint64(n)))

	case "remove":
		if err := need(args, 1, 1); err != nil {
			return err
		}
		msg, err := c.Remove(args[0])
		if err != nil {
			return err
		}
		fmt.Println(msg)

	case "list":
		if err := need(args, 1, 1); err != nil {
			return err
		}
		names, err := c.List(args[0])
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println(command.ReplyNoFiles)
		}
		for _, n := range names {
			fmt.Println(n)
		}

	case "archive":
		if err := need(args, 1, 2); err != nil {
			return err
		}
		dst := client.ArchiveFileName(args[0])
		if len(args) == 2 {
			dst = args[1]
		}
		fmt.Printf("Requesting tar archive of %s files...\n", args[0])
		n, err := c.ArchiveFile(args[0], dst)
		if err != nil {
			return err
		}
		fmt.Printf("Tar file downloaded as %s (%s)\n", dst, humanize.Bytes(uint64(n)))

	case "ping":
		if err := c.Ping(); err != nil {
			return err
		}
		fmt.Println(command.ReplyPong)

	default:
		printUsage()
		return fmt.Errorf("unknown command %q", verb)
	}
	return nil
}
