package common

import (
	"github.com/hetianyi/gox/convert"
)

type BootMode uint32

type Command uint32

type TransferStatus uint32

type ConnKind uint32

type TaskKind uint32

func (s TransferStatus) String() string {
	switch s {
	case STATUS_START:
		return "start"
	case STATUS_DOING:
		return "doing"
	case STATUS_PAUSE:
		return "pause"
	case STATUS_FIN:
		return "fin"
	case STATUS_CLOSE:
		return "close"
	}
	return "unknown"
}

type StorageConfig struct {
	Name                  string  `json:"name"` // persisted in cfg.dat when empty
	BindAddress           string  `json:"bindAddress"`
	AdvertiseAddress      string  `json:"advertiseAddress"`
	ShortPort             int     `json:"shortPort"`
	TransferPort          int     `json:"transferPort"`
	DataDir               string  `json:"dataDir"`
	CertFile              string  `json:"certFile"`
	KeyFile               string  `json:"keyFile"`
	DBFile                string  `json:"dbFile"`
	DBPoolSize            int     `json:"dbPoolSize"`
	Workers               int     `json:"workers"`
	SubReactors           int     `json:"subReactors"`
	IdleTimeoutMs         int     `json:"idleTimeoutMs"`
	MaxConnections        int     `json:"maxConnections"`
	BufferSize            int     `json:"bufferSize"`
	BufferSeed            int     `json:"bufferSeed"`
	Balancer              string  `json:"balancer"` // host:port, empty runs standalone
	BalancerSecret        string  `json:"balancerSecret"`
	LogLevel              string  `json:"logLevel"`
	LogDir                string  `json:"logDir"`
	SaveLog2File          bool    `json:"saveLog2File"`
	MaxRollingLogfileSize int     `json:"maxRollingLogfileSize"`
	LogRotationInterval   string  `json:"logRotationInterval"`
	EnableHttp            bool    `json:"enableHttp"`
	HttpPort              int     `json:"httpPort"`
	RootDir               string  `json:"-"`
	ParsedBalancer        *Server `json:"-"`
}

type BalancerConfig struct {
	BindAddress           string `json:"bindAddress"`
	ServerPort            int    `json:"serverPort"`
	ClientPort            int    `json:"clientPort"`
	Secret                string `json:"secret"`
	BufferSize            int    `json:"bufferSize"`
	BufferSeed            int    `json:"bufferSeed"`
	LogLevel              string `json:"logLevel"`
	LogDir                string `json:"logDir"`
	SaveLog2File          bool   `json:"saveLog2File"`
	MaxRollingLogfileSize int    `json:"maxRollingLogfileSize"`
	LogRotationInterval   string `json:"logRotationInterval"`
	EnableHttp            bool   `json:"enableHttp"`
	HttpPort              int    `json:"httpPort"`
}

type Server struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

func (s *Server) ConnectionString() string {
	return s.Host + ":" + convert.Uint16ToStr(s.Port)
}

// UserInfo is the cached identity of a verified connection.
type UserInfo struct {
	User         string
	Pwd          string
	Cipher       string
	IsVip        string
	CapacitySum  string
	UsedCapacity string
	Salt         string
	VipDate      string
}

// Vip reports whether throttling should use the privileged class.
func (u *UserInfo) Vip() bool {
	return u != nil && u.IsVip == "1"
}

// FileEntry is one row of a user's directory tree.
type FileEntry struct {
	FileId    uint64
	FileName  string
	DirGrade  uint32
	FileType  string
	FileSize  uint64
	ParentDir uint64
	FileDate  string
}
