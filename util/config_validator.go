package util

import (
	"errors"
	"net"
	"regexp"
	"strings"

	"github.com/hetianyi/godisk/common"
	"github.com/hetianyi/gox/convert"
	"github.com/hetianyi/gox/file"
	"github.com/hetianyi/gox/logger"
	"github.com/hetianyi/gox/uuid"
)

const instanceNameKey = "instance_name"

// ValidateStorageConfig validates storage config, fills defaults,
// prepares the data directories and initializes the logger.
func ValidateStorageConfig(c *common.StorageConfig) error {
	if c == nil {
		return errors.New("no config provided")
	}
	ExchangeEnvValue("GODISK_BALANCER", func(v string) { c.Balancer = v })
	ExchangeEnvValue("GODISK_BALANCER_SECRET", func(v string) { c.BalancerSecret = v })
	if err := checkPort("short", c.ShortPort); err != nil {
		return err
	}
	if err := checkPort("transfer", c.TransferPort); err != nil {
		return err
	}
	if err := checkPort("http", c.HttpPort); err != nil {
		return err
	}
	if c.Balancer != "" {
		server, err := ParseServer(c.Balancer)
		if err != nil {
			return err
		}
		c.ParsedBalancer = server
		if m, err := regexp.MatchString(common.SECRET_PATTERN, c.BalancerSecret); err != nil || !m {
			return errors.New("invalid balancer secret \"" + c.BalancerSecret +
				"\", secret must match pattern " + common.SECRET_PATTERN)
		}
	}
	if c.ShortPort == 0 && c.TransferPort == 0 {
		c.ShortPort = common.DEFAULT_SHORT_PORT
		c.TransferPort = common.DEFAULT_TRANSFER_PORT
	}
	if c.HttpPort == 0 {
		c.HttpPort = common.DEFAULT_HTTP_PORT
	}
	if c.SubReactors <= 0 {
		c.SubReactors = common.DEFAULT_SUB_REACTORS
	}
	if c.Workers <= 0 {
		c.Workers = common.DEFAULT_WORKERS
	}
	if c.DBPoolSize <= 0 {
		c.DBPoolSize = common.DEFAULT_DB_POOL_SIZE
	}
	if c.IdleTimeoutMs <= 0 {
		c.IdleTimeoutMs = common.DEFAULT_IDLE_TIMEOUT_MS
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = common.DEFAULT_MAX_CONNECTIONS
	}
	if c.BufferSize < common.DEFAULT_BUFFER_SIZE {
		c.BufferSize = common.DEFAULT_BUFFER_SIZE
	}
	if c.BufferSeed <= 0 {
		c.BufferSeed = common.DEFAULT_BUFFER_SEED
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return errors.New("certFile and keyFile are required")
	}
	normalizeLogConfig(&c.LogLevel, &c.LogRotationInterval, &c.MaxRollingLogfileSize)

	var err error
	if c.DataDir, err = ExpandPath(c.DataDir); err != nil {
		return err
	}
	if c.DataDir == "" {
		return errors.New("dataDir is required")
	}
	if c.LogDir, err = ExpandPath(c.LogDir); err != nil {
		return err
	}
	if c.CertFile, err = ExpandPath(c.CertFile); err != nil {
		return err
	}
	if c.KeyFile, err = ExpandPath(c.KeyFile); err != nil {
		return err
	}
	if c.LogDir == "" {
		c.LogDir = c.DataDir + "/logs"
	}
	if c.SaveLog2File && !file.Exists(c.LogDir) {
		if err := file.CreateDirs(c.LogDir); err != nil {
			return err
		}
	}
	c.RootDir = c.DataDir + "/" + common.ROOT_DIR_NAME
	if !file.Exists(c.RootDir) {
		if err := file.CreateDirs(c.RootDir); err != nil {
			return err
		}
	}
	if c.DBFile == "" {
		c.DBFile = c.DataDir + "/godisk.db"
	}

	InitLogger(c.LogLevel, c.LogRotationInterval, c.MaxRollingLogfileSize,
		c.SaveLog2File, c.LogDir, "godisk-storage")

	if c.Name == "" {
		name, err := LoadInstanceName(c.DataDir + "/cfg.dat")
		if err != nil {
			return err
		}
		c.Name = name
	}
	return nil
}

// ValidateBalancerConfig validates balancer config.
func ValidateBalancerConfig(c *common.BalancerConfig) error {
	if c == nil {
		return errors.New("no config provided")
	}
	ExchangeEnvValue("GODISK_SECRET", func(v string) { c.Secret = v })
	if err := checkPort("server", c.ServerPort); err != nil {
		return err
	}
	if err := checkPort("client", c.ClientPort); err != nil {
		return err
	}
	if err := checkPort("http", c.HttpPort); err != nil {
		return err
	}
	if c.ServerPort == 0 && c.ClientPort == 0 {
		c.ServerPort = common.DEFAULT_BALANCER_PORT
		c.ClientPort = common.DEFAULT_LOOKUP_PORT
	}
	if c.HttpPort == 0 {
		c.HttpPort = common.DEFAULT_HTTP_PORT
	}
	if m, err := regexp.MatchString(common.SECRET_PATTERN, c.Secret); err != nil || !m {
		return errors.New("invalid secret \"" + c.Secret +
			"\", secret must match pattern " + common.SECRET_PATTERN)
	}
	if c.BufferSize < common.DEFAULT_BUFFER_SIZE {
		c.BufferSize = common.DEFAULT_BUFFER_SIZE
	}
	if c.BufferSeed <= 0 {
		c.BufferSeed = common.DEFAULT_BUFFER_SEED
	}
	normalizeLogConfig(&c.LogLevel, &c.LogRotationInterval, &c.MaxRollingLogfileSize)
	var err error
	if c.LogDir, err = ExpandPath(c.LogDir); err != nil {
		return err
	}
	if c.SaveLog2File {
		if c.LogDir == "" {
			return errors.New("logDir is required when saveLog2File is set")
		}
		if !file.Exists(c.LogDir) {
			if err := file.CreateDirs(c.LogDir); err != nil {
				return err
			}
		}
	}
	InitLogger(c.LogLevel, c.LogRotationInterval, c.MaxRollingLogfileSize,
		c.SaveLog2File, c.LogDir, "godisk-balancer")
	return nil
}

func checkPort(name string, port int) error {
	if port < 0 || port > 65535 {
		return errors.New("invalid " + name + " port number " +
			convert.IntToStr(port) + ", port number must in the range of 0 to 65535")
	}
	return nil
}

func normalizeLogConfig(level, rotation *string, size *int) {
	*level = strings.ToLower(*level)
	if *level != "trace" && *level != "debug" && *level != "info" &&
		*level != "warn" && *level != "error" && *level != "fatal" {
		*level = "info"
	}
	*rotation = strings.ToLower(*rotation)
	if *rotation != "h" && *rotation != "d" && *rotation != "m" && *rotation != "y" {
		*rotation = "y"
	}
	if *size != 64 && *size != 128 && *size != 256 && *size != 512 && *size != 1024 {
		*size = 64
	}
}

// InitLogger initializes the process logger.
func InitLogger(level, rotation string, size int, write2File bool, dir, name string) {
	logger.Init(&logger.Config{
		Level:              ConvertLogLevel(level),
		RollingPolicy:      []int{ConvertRollInterval(rotation), ConvertLogFileSize(size)},
		Write2File:         write2File,
		AlwaysWriteConsole: true,
		RollingFileDir:     dir,
		RollingFileName:    name,
	})
}

// InitClientLogger initializes a plain console logger for command line tools.
func InitClientLogger(level string) {
	logger.Init(&logger.Config{
		Level:              ConvertLogLevel(level),
		Write2File:         false,
		AlwaysWriteConsole: true,
		Formatter:          &logger.NoneTextFormatter{},
	})
}

// LoadInstanceName returns the name stored in the config map at path,
// generating and storing one on first use.
func LoadInstanceName(path string) (string, error) {
	configMap, err := OpenConfigMap(path)
	if err != nil {
		return "", err
	}
	defer configMap.Close()
	ret, err := configMap.GetConfig(instanceNameKey)
	if err != nil {
		return "", err
	}
	if len(ret) > 0 {
		return string(ret), nil
	}
	id := strings.Replace(uuid.UUID(), "-", "", -1)
	if len(id) > 12 {
		id = id[:12]
	}
	name := "godisk-" + id
	if err = configMap.PutConfig(instanceNameKey, []byte(name)); err != nil {
		return "", err
	}
	logger.Info("generated instance name: ", name)
	return name, nil
}

// ParseServer parses "host:port".
func ParseServer(s string) (*common.Server, error) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return nil, errors.New("invalid server address \"" + s + "\": " + err.Error())
	}
	p, err := convert.StrToInt(port)
	if err != nil || p <= 0 || p > 65535 {
		return nil, errors.New("invalid server port \"" + port + "\"")
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return &common.Server{Host: host, Port: uint16(p)}, nil
}

func ConvertLogLevel(levelString string) logger.Level {
	levelString = strings.ToLower(levelString)
	switch levelString {
	case "trace":
		return logger.TraceLevel
	case "debug":
		return logger.DebugLevel
	case "info":
		return logger.InfoLevel
	case "warn":
		return logger.WarnLevel
	case "error":
		return logger.ErrorLevel
	case "fatal":
		return logger.FatalLevel
	default:
		return logger.InfoLevel
	}
}

func ConvertRollInterval(rollString string) int {
	rollString = strings.ToLower(rollString)
	switch rollString {
	case "h":
		return logger.HOUR
	case "d":
		return logger.DAY
	case "m":
		return logger.MONTH
	default:
		return logger.YEAR
	}
}

func ConvertLogFileSize(s int) int {
	switch s {
	case 64:
		return logger.MB64
	case 128:
		return logger.MB128
	case 256:
		return logger.MB256
	case 512:
		return logger.MB512
	case 1024:
		return logger.MB1024
	default:
		return logger.SIZE_NO_LIMIT
	}
}
