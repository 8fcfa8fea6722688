package db

import (
	"github.com/hetianyi/godisk/common"
)

// Store is the metadata collaborator of the storage server.
type Store interface {
	// GetUserInfo returns the account matching user and pwd, nil if none.
	GetUserInfo(user, pwd string) (*common.UserInfo, error)
	GetUserExist(user string) (bool, error)
	InsertUser(user, pwd, cipher string) error
	// GetIsEnoughSpace reports whether the account has size bytes left.
	GetIsEnoughSpace(user, pwd string, size uint64) (bool, error)
	GetFileExist(user, md5 string) (bool, error)
	// InsertFileData adds a file or directory row, charges its size to the
	// user and returns the new file id.
	InsertFileData(user, fileName, md5 string, size, parent uint64, fileType string) (uint64, error)
	DeleteOneFile(user string, fileId uint64) (bool, error)
	DeleteOneDir(user string, fileId uint64) (bool, error)
	GetUserAllFileInfo(user string) ([]common.FileEntry, error)
	// GetFileMd5 looks up the content hash of a regular file.
	GetFileMd5(user string, fileId uint64) (string, bool, error)
}
