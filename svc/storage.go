package svc

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hetianyi/godisk/common"
	"github.com/hetianyi/godisk/util"
	"github.com/hetianyi/gox/logger"
	json "github.com/json-iterator/go"
)

// BootStorageServer validates c, starts a storage server and blocks until
// the process is asked to stop.
func BootStorageServer(c *common.StorageConfig) {
	if err := util.ValidateStorageConfig(c); err != nil {
		fmt.Println("Err:", err)
		os.Exit(1)
	}
	tlsConfig, err := util.LoadTLSConfig(c.CertFile, c.KeyFile)
	if err != nil {
		logger.Fatal("cannot load certificate: ", err)
	}
	util.PrintLogo()
	cbs, _ := json.MarshalIndent(c, "", "  ")
	fmt.Println("boot storage server success!")
	fmt.Println(string(cbs))

	s, err := NewStorageServer(c, tlsConfig)
	if err != nil {
		logger.Fatal("cannot create storage server: ", err)
	}
	if err = s.Start(); err != nil {
		logger.Fatal("cannot start storage server: ", err)
	}
	waitSignal()
	s.Shutdown()
}

// BootBalancer validates c, starts a balancer and blocks until the
// process is asked to stop.
func BootBalancer(c *common.BalancerConfig) {
	if err := util.ValidateBalancerConfig(c); err != nil {
		fmt.Println("Err:", err)
		os.Exit(1)
	}
	util.PrintLogo()
	cbs, _ := json.MarshalIndent(c, "", "  ")
	logger.Debug("\n", string(cbs))

	b := NewBalancer(c)
	if err := b.Start(); err != nil {
		logger.Fatal("cannot start balancer: ", err)
	}
	waitSignal()
	b.Shutdown()
}

func waitSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	s := <-ch
	logger.Info("received signal ", s, ", shutting down")
}
