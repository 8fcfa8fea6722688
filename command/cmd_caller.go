package command

import (
	"github.com/hetianyi/godisk/common"
	"github.com/hetianyi/godisk/svc"
)

// call calls handler function due to command.
func call(cmd common.Command) error {
	switch cmd {
	case common.CMD_BOOT_STORAGE:
		svc.BootStorageServer(ConfigAssembly(common.BOOT_STORAGE).(*common.StorageConfig))
	case common.CMD_BOOT_BALANCER:
		svc.BootBalancer(ConfigAssembly(common.BOOT_BALANCER).(*common.BalancerConfig))
	case common.CMD_LOOKUP:
		ConfigAssembly(common.BOOT_CLIENT)
		return handleLookup()
	case common.CMD_GENERATE_CERT:
		return handleGenerateCert()
	case common.CMD_SIGN_UP:
		ConfigAssembly(common.BOOT_CLIENT)
		return handleSignUp()
	case common.CMD_LIST_FILES:
		ConfigAssembly(common.BOOT_CLIENT)
		return handleListFiles()
	case common.CMD_UPLOAD_FILE:
		ConfigAssembly(common.BOOT_CLIENT)
		return handleUploadFile()
	case common.CMD_DOWNLOAD_FILE:
		ConfigAssembly(common.BOOT_CLIENT)
		return handleDownloadFile()
	}
	return nil
}
