// cmd/client is a thin CLI against a running coordinator: upload a local
// file, download a file by ID, or print cluster status.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/clustore/clustore/internal/clusterclient"
	"github.com/clustore/clustore/internal/config"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage:
  client [-coordinator host:port] upload [-replication N] <path>
  client [-coordinator host:port] download <file-id> <dest-path>
  client [-coordinator host:port] status
`)
}

func main() {
	defaults := config.DefaultClientConfig()
	defaultAddr := fmt.Sprintf("%s:%d", defaults.CoordinatorHost, defaults.CoordinatorPort)

	coordinator := flag.String("coordinator", defaultAddr, "coordinator address")
	timeout := flag.Duration("timeout", defaults.RPCTimeout, "RPC timeout")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	client := clusterclient.NewCoordinatorClient(*coordinator, *timeout)

	var err error
	switch args[0] {
	case "upload":
		err = runUpload(client, args[1:])
	case "download":
		err = runDownload(client, args[1:])
	case "status":
		err = runStatus(client)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runUpload(client *clusterclient.CoordinatorClient, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	replication := fs.Int("replication", 0, "replication factor (0 uses the cluster default)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("upload requires exactly one path argument")
	}
	path := fs.Arg(0)

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return err
	}

	fileID, chunkSize, err := client.UploadBegin(stat.Name(), stat.Size(), *replication)
	if err != nil {
		return fmt.Errorf("upload begin: %w", err)
	}

	buf := make([]byte, chunkSize)
	index := 0
	for {
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			if err := client.UploadChunk(fileID, index, buf[:n]); err != nil {
				return fmt.Errorf("upload chunk %d: %w", index, err)
			}
			index++
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read %s: %w", path, readErr)
		}
	}

	if err := client.UploadCommit(fileID); err != nil {
		return fmt.Errorf("upload commit: %w", err)
	}

	fmt.Println(fileID)
	return nil
}

func runDownload(client *clusterclient.CoordinatorClient, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("download requires a file ID and a destination path")
	}
	fileID, dest := args[0], args[1]

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	err = client.Download(fileID, func(index int, data []byte, checksum string) error {
		_, werr := out.Write(data)
		return werr
	})
	if err != nil {
		return fmt.Errorf("download %s: %w", fileID, err)
	}
	return nil
}

func runStatus(client *clusterclient.CoordinatorClient) error {
	status, err := client.Status()
	if err != nil {
		return err
	}
	fmt.Printf("nodes:            %d healthy / %d total\n", status.HealthyNodes, status.TotalNodes)
	fmt.Printf("capacity:         %d / %d bytes used\n", status.UsedBytes, status.TotalBytes)
	fmt.Printf("files:            %d\n", status.FileCount)
	fmt.Printf("under-replicated: %d\n", status.UnderReplicatedCount)
	return nil
}
