package common

import "errors"

// boot modes
const (
	BOOT_STORAGE  BootMode = 1
	BOOT_BALANCER BootMode = 2
	BOOT_CLIENT   BootMode = 3
)

const (
	VERSION                 = "1.0.0"
	ROOT_DIR_NAME           = "rootfiles"
	DIR_SUFFIX              = "d"
	DEFAULT_SHORT_PORT      = 8080
	DEFAULT_TRANSFER_PORT   = 8081
	DEFAULT_BALANCER_PORT   = 9090 // server registration
	DEFAULT_LOOKUP_PORT     = 9091 // client lookup
	DEFAULT_HTTP_PORT       = 8001
	DEFAULT_SUB_REACTORS    = 4
	DEFAULT_WORKERS         = 8
	DEFAULT_DB_POOL_SIZE    = 4
	DEFAULT_IDLE_TIMEOUT_MS = 60000
	DEFAULT_MAX_CONNECTIONS = 65535
	DEFAULT_BUFFER_SIZE     = 8192
	DEFAULT_BUFFER_SEED     = 100
	DEFAULT_CAPACITY        = 10 << 30 // 10G per user
	BALANCER_KEY_LEN        = 60
	HEARTBEAT_INTERVAL_MS   = 10000
	DOWNLOAD_CHUNK_SIZE     = 2048
	READ_CHUNK_SIZE         = 4096
	SECRET_PATTERN          = "^[^\\x00]{1,59}$"
)

// commands resolved from the command line
const (
	CMD_SHOW_HELP Command = iota
	CMD_BOOT_STORAGE
	CMD_BOOT_BALANCER
	CMD_LOOKUP
	CMD_GENERATE_CERT
	CMD_SIGN_UP
	CMD_LIST_FILES
	CMD_UPLOAD_FILE
	CMD_DOWNLOAD_FILE
)

// transfer status machine
const (
	STATUS_START TransferStatus = iota
	STATUS_DOING
	STATUS_PAUSE
	STATUS_FIN
	STATUS_CLOSE
)

// connection kinds
const (
	CONN_SHORT ConnKind = iota
	CONN_TRANSFER
)

// transfer task kinds
const (
	TASK_NONE TaskKind = iota
	TASK_UPLOAD
	TASK_DOWNLOAD
)

// server state codes sent to the balancer
const (
	SERVER_STATE_UPDATE uint32 = 0
	SERVER_STATE_CLOSE  uint32 = 1
)

var (
	ErrPoolClosed     = errors.New("pool closed")
	ErrQueueClosed    = errors.New("work queue closed")
	ErrConnClosed     = errors.New("connection closed")
	ErrTaskMapped     = errors.New("task file already mapped")
	ErrNoServer       = errors.New("no storage server available")
	ErrBalancerDenied = errors.New("balancer rejected registration")
	ErrUnexpectedType = errors.New("unexpected record type")
	ErrServerState    = errors.New("server already started or stopped")
)
