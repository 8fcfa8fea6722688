package command

import (
	"container/list"

	"github.com/hetianyi/godisk/common"
	"github.com/hetianyi/godisk/util"
	"github.com/hetianyi/gox"
	"github.com/hetianyi/gox/logger"
)

// var sets
var (
	showVersion         bool      // show app version
	configFile          string    // specified config file to be use
	logLevel            string    // log level(trace, debug, info, warn, error, fatal)
	secret              string    // shared secret between storage servers and the balancer
	balancer            string    // balancer registration address(used by storage mode)
	server              string    // storage server short address(used by client mode)
	transferServer      string    // storage server transfer address(used by client mode)
	lookupAddress       string    // balancer lookup address(used by client mode)
	caFile              string    // certificate trusted by the client
	user                string    // account of client mode
	password            string    // password of client mode
	parentDir           uint64    // parent directory of uploads
	resumeUpload        bool      // continue a partial upload
	downloadOffset      uint64    // resume offset of a download
	customDownloadName  string    // custom download location and filename
	uploadFiles         list.List // files to be uploaded
	downloadFiles       list.List // file ids to be downloaded
	certHosts           string    // hosts of the generated certificate
	name                string
	bindAddress         string
	shortPort           int
	transferPort        int
	serverPort          int
	clientPort          int
	advertiseAddress    string
	dataDir             string
	certFile            string
	keyFile             string
	workers             int
	subReactors         int
	idleTimeout         int
	maxConnections      int
	preferredNetwork    string
	maxLogfileSize      int
	logRotationInterval string
	enableHttp          bool
	httpPort            int
	logDir              string
	disableSaveLogfile  bool
	finalCommand        common.Command
)

// loadConfigFile fills container from the --config file when one is given.
func loadConfigFile(container interface{}) {
	if configFile == "" {
		return
	}
	if err := util.LoadConfig(configFile, container); err != nil {
		logger.Fatal("cannot load config file ", configFile, ": ", err)
	}
}

// ConfigAssembly builds the config of the boot mode. Values from the config
// file are overridden by the flags that were set.
func ConfigAssembly(bm common.BootMode) interface{} {
	if bm == common.BOOT_STORAGE {
		c := &common.StorageConfig{}
		loadConfigFile(c)
		c.Name = gox.TValue(name == "", c.Name, name).(string)
		c.ShortPort = gox.TValue(shortPort <= 0, c.ShortPort, shortPort).(int)
		c.TransferPort = gox.TValue(transferPort <= 0, c.TransferPort, transferPort).(int)
		c.HttpPort = gox.TValue(httpPort <= 0, c.HttpPort, httpPort).(int)
		c.Workers = gox.TValue(workers <= 0, c.Workers, workers).(int)
		c.SubReactors = gox.TValue(subReactors <= 0, c.SubReactors, subReactors).(int)
		c.IdleTimeoutMs = gox.TValue(idleTimeout <= 0, c.IdleTimeoutMs, idleTimeout).(int)
		c.MaxConnections = gox.TValue(maxConnections <= 0, c.MaxConnections, maxConnections).(int)
		c.Balancer = gox.TValue(balancer == "", c.Balancer, balancer).(string)
		c.BalancerSecret = gox.TValue(secret == "", c.BalancerSecret, secret).(string)
		c.DataDir = gox.TValue(dataDir == "", c.DataDir, dataDir).(string)
		c.CertFile = gox.TValue(certFile == "", c.CertFile, certFile).(string)
		c.KeyFile = gox.TValue(keyFile == "", c.KeyFile, keyFile).(string)
		c.EnableHttp = c.EnableHttp || enableHttp
		assembleLog(&c.LogLevel, &c.LogDir, &c.LogRotationInterval, &c.MaxRollingLogfileSize, &c.SaveLog2File)

		if c.DataDir == "" {
			c.DataDir = "~/.godisk/storage"
		}
		if advertiseAddress != "" {
			c.AdvertiseAddress = advertiseAddress
		}
		if c.AdvertiseAddress == "" {
			c.AdvertiseAddress = gox.GetMyAddress(preferredNetwork)
		}
		if bindAddress != "" {
			c.BindAddress = bindAddress
		}
		if c.BindAddress == "" {
			c.BindAddress = "127.0.0.1"
		}
		return c
	} else if bm == common.BOOT_BALANCER {
		c := &common.BalancerConfig{}
		loadConfigFile(c)
		c.ServerPort = gox.TValue(serverPort <= 0, c.ServerPort, serverPort).(int)
		c.ClientPort = gox.TValue(clientPort <= 0, c.ClientPort, clientPort).(int)
		c.HttpPort = gox.TValue(httpPort <= 0, c.HttpPort, httpPort).(int)
		c.Secret = gox.TValue(secret == "", c.Secret, secret).(string)
		c.EnableHttp = c.EnableHttp || enableHttp
		assembleLog(&c.LogLevel, &c.LogDir, &c.LogRotationInterval, &c.MaxRollingLogfileSize, &c.SaveLog2File)
		if bindAddress != "" {
			c.BindAddress = bindAddress
		}
		if c.BindAddress == "" {
			c.BindAddress = "127.0.0.1"
		}
		return c
	}
	util.InitClientLogger(gox.TValue(logLevel == "", "info", logLevel).(string))
	return nil
}

func assembleLog(level, dir, rotation *string, size *int, toFile *bool) {
	*level = gox.TValue(logLevel == "", *level, logLevel).(string)
	*dir = gox.TValue(logDir == "", *dir, logDir).(string)
	*rotation = gox.TValue(logRotationInterval == "", *rotation, logRotationInterval).(string)
	*size = gox.TValue(maxLogfileSize <= 0, *size, maxLogfileSize).(int)
	if configFile == "" {
		*toFile = !disableSaveLogfile
	} else if disableSaveLogfile {
		*toFile = false
	}
}
