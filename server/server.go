package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/Clouded-Sabre/tftpd/config"
	"github.com/Clouded-Sabre/tftpd/lib"
)

var (
	listenAddr string
	configFile string
	rootDir    string
)

func init() {
	flag.StringVar(&listenAddr, "listen", "", "listen address, e.g. *:69 or tftp://127.0.0.1:6969 (overrides config file)")
	flag.StringVar(&configFile, "config", "config.yaml", "path to the YAML configuration file")
	flag.StringVar(&rootDir, "root", "", "directory to serve files from (overrides config file)")
	flag.Parse()
}

func main() {
	srvConfig, connConfig, err := config.LoadConfig(configFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Fatal("Error loading config:", err)
		}
		srvConfig = config.DefaultServerConfig()
		connConfig = config.DefaultConnectionConfig()
	}
	if listenAddr != "" {
		srvConfig.Listen = listenAddr
	}
	if rootDir != "" {
		srvConfig.RootDir = rootDir
	}

	root, err := filepath.Abs(srvConfig.RootDir)
	if err != nil {
		log.Fatal("Error resolving root directory:", err)
	}

	tftpd := lib.NewTftpd(lib.NewTftpdConfig(srvConfig, connConfig))

	// Open file handles per peer. All callbacks run serialized under the
	// server mutex, so a plain map is fine.
	openFiles := make(map[string]*os.File)

	tftpd.OnRrq(func(c *lib.Connection) {
		path, err := resolvePath(root, c.File)
		if err != nil {
			log.Printf("Refusing read of %q from %s: %s", c.File, c.Peer(), err)
			return
		}
		fh, err := os.Open(path)
		if err != nil {
			log.Printf("Cannot open %q for %s: %s", c.File, c.Peer(), err)
			return
		}
		if info, err := fh.Stat(); err == nil {
			c.SetFilesize(info.Size())
		}
		if err := c.SetReadHandle(fh); err != nil {
			log.Printf("Cannot attach %q for %s: %s", c.File, c.Peer(), err)
			fh.Close()
			return
		}
		openFiles[c.Peer().String()] = fh
	})

	tftpd.OnWrq(func(c *lib.Connection) {
		path, err := resolvePath(root, c.File)
		if err != nil {
			log.Printf("Refusing write of %q from %s: %s", c.File, c.Peer(), err)
			return
		}
		fh, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			log.Printf("Cannot create %q for %s: %s", c.File, c.Peer(), err)
			return
		}
		c.SetWriteHandle(fh)
		openFiles[c.Peer().String()] = fh
	})

	tftpd.OnFinish(func(c *lib.Connection, errStr string) {
		if fh, ok := openFiles[c.Peer().String()]; ok {
			fh.Close()
			delete(openFiles, c.Peer().String())
		}
		if errStr == "" {
			log.Printf("%s of %q with %s completed", c.Type, c.File, c.Peer())
		} else {
			log.Printf("%s of %q with %s failed: %s", c.Type, c.File, c.Peer(), errStr)
		}
	})

	tftpd.OnError(func(err error) {
		log.Println("Server error:", err)
	})

	if err := tftpd.Start(); err != nil {
		log.Fatal("Error starting TFTP server:", err)
	}
	log.Printf("Serving %s", root)

	// Handle Ctrl+C signal for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	<-signalChan
	log.Println("Received signal. Shutting down...")
	tftpd.Close()
}

// resolvePath maps a client requested filename onto the served directory
// and refuses anything that escapes it.
func resolvePath(root, file string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(file))
	path := filepath.Join(root, clean)
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the served directory")
	}
	return path, nil
}
