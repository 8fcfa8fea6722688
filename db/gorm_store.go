package db

import (
	"errors"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hetianyi/godisk/common"
	"github.com/hetianyi/gox"
	"github.com/hetianyi/gox/file"
	"github.com/hetianyi/gox/logger"
	"gorm.io/gorm"
)

// GormStore implements Store on one gorm session.
type GormStore struct {
	db      *gorm.DB
	rootDir string
	index   int
}

func transformNotFoundErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}

func toUserInfo(u *UserDO) *common.UserInfo {
	return &common.UserInfo{
		User:         u.User,
		Pwd:          u.Password,
		Cipher:       u.Cipher,
		IsVip:        u.IsVip,
		CapacitySum:  strconv.FormatUint(u.CapacitySum, 10),
		UsedCapacity: strconv.FormatUint(u.UsedCapacity, 10),
		Salt:         u.Salt,
		VipDate:      u.VipDate,
	}
}

func (s *GormStore) GetUserInfo(user, pwd string) (*common.UserInfo, error) {
	var u UserDO
	err := s.db.Where("user = ? AND password = ?", user, pwd).Limit(1).Find(&u).Error
	if err != nil {
		return nil, err
	}
	if u.User == "" {
		return nil, nil
	}
	return toUserInfo(&u), nil
}

func (s *GormStore) GetUserExist(user string) (bool, error) {
	var n int64
	err := s.db.Model(&UserDO{}).Where("user = ?", user).Count(&n).Error
	return n > 0, err
}

func (s *GormStore) InsertUser(user, pwd, cipher string) error {
	return s.db.Create(&UserDO{User: user, Password: pwd, Cipher: cipher}).Error
}

func (s *GormStore) GetIsEnoughSpace(user, pwd string, size uint64) (bool, error) {
	var u UserDO
	err := s.db.Select("capacity_sum", "used_capacity").
		Where("user = ? AND password = ?", user, pwd).Limit(1).Find(&u).Error
	if err != nil {
		return false, err
	}
	if u.CapacitySum < u.UsedCapacity {
		return false, nil
	}
	return u.CapacitySum-u.UsedCapacity >= size, nil
}

func (s *GormStore) GetFileExist(user, md5 string) (bool, error) {
	var n int64
	err := s.db.Model(&FileDirDO{}).Where("user = ? AND md5 = ?", user, md5).Count(&n).Error
	return n > 0, err
}

func (s *GormStore) InsertFileData(user, fileName, md5 string, size, parent uint64, fileType string) (uint64, error) {
	var fileId uint64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var dirGrade uint32
		var parentDir FileDirDO
		res := tx.Select("dir_grade").
			Where("user = ? AND file_id = ? AND file_type = ?", user, parent, common.DIR_SUFFIX).
			Limit(1).Find(&parentDir)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			dirGrade = parentDir.DirGrade + 1
		}

		var last FileDirDO
		if err := tx.Select("file_id").Where("user = ?", user).
			Order("file_id DESC").Limit(1).Find(&last).Error; err != nil {
			return err
		}
		fileId = last.FileId + 1

		row := &FileDirDO{
			FileId:    fileId,
			User:      user,
			FileName:  fileName,
			DirGrade:  dirGrade,
			FileType:  fileType,
			Md5:       md5,
			FileSize:  size,
			ParentDir: parent,
			FileDate:  gox.GetLongLongDateString(time.Now()),
		}
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		return tx.Model(&UserDO{}).Where("user = ?", user).
			UpdateColumn("used_capacity", gorm.Expr("used_capacity + ?", size)).Error
	})
	if err != nil {
		return 0, err
	}
	return fileId, nil
}

func (s *GormStore) DeleteOneFile(user string, fileId uint64) (bool, error) {
	var blob string
	ok := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		ok, blob, err = deleteFile(tx, user, fileId)
		return err
	})
	if err != nil || !ok {
		return false, err
	}
	s.removeBlob(user, blob)
	return true, nil
}

func (s *GormStore) DeleteOneDir(user string, fileId uint64) (bool, error) {
	var blobs []string
	ok := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		ok, err = deleteDir(tx, user, fileId, &blobs)
		if err == nil && !ok {
			return errRollback
		}
		return err
	})
	if err == errRollback {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, b := range blobs {
		s.removeBlob(user, b)
	}
	return true, nil
}

var errRollback = errors.New("rollback")

// deleteFile removes one file row and returns the md5 of the blob when no
// other row of the user references it anymore.
func deleteFile(tx *gorm.DB, user string, fileId uint64) (bool, string, error) {
	if fileId == 0 {
		return false, "", nil
	}
	md5, found, err := fileMd5(tx, user, fileId)
	if err != nil || !found {
		return false, "", err
	}
	var sizes []uint64
	if err := tx.Model(&FileDirDO{}).Where("user = ? AND md5 = ?", user, md5).
		Pluck("file_size", &sizes).Error; err != nil {
		return false, "", err
	}
	if len(sizes) == 0 {
		return false, "", nil
	}
	res := tx.Where("file_id = ? AND user = ? AND md5 = ?", fileId, user, md5).Delete(&FileDirDO{})
	if res.Error != nil {
		return false, "", res.Error
	}
	if res.RowsAffected == 0 {
		return false, "", nil
	}
	if err := tx.Model(&UserDO{}).Where("user = ?", user).
		UpdateColumn("used_capacity", gorm.Expr("used_capacity - ?", sizes[0])).Error; err != nil {
		return false, "", err
	}
	if len(sizes) == 1 {
		return true, md5, nil
	}
	return true, "", nil
}

func deleteDir(tx *gorm.DB, user string, fileId uint64, blobs *[]string) (bool, error) {
	if fileId == 0 {
		return false, nil
	}
	var children []FileDirDO
	if err := tx.Select("file_id", "file_type").
		Where("user = ? AND parent_dir = ?", user, fileId).Find(&children).Error; err != nil {
		return false, err
	}
	for _, c := range children {
		if c.FileType == common.DIR_SUFFIX {
			ok, err := deleteDir(tx, user, c.FileId, blobs)
			if err != nil || !ok {
				logger.Warn("cannot delete sub directory ", c.FileId, " of ", user)
				return false, err
			}
			continue
		}
		ok, blob, err := deleteFile(tx, user, c.FileId)
		if err != nil || !ok {
			logger.Warn("cannot delete file ", c.FileId, " of ", user)
			return false, err
		}
		if blob != "" {
			*blobs = append(*blobs, blob)
		}
	}
	res := tx.Where("file_id = ? AND user = ?", fileId, user).Delete(&FileDirDO{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func fileMd5(tx *gorm.DB, user string, fileId uint64) (string, bool, error) {
	var row FileDirDO
	res := tx.Select("md5").
		Where("file_id = ? AND user = ? AND file_type != ?", fileId, user, common.DIR_SUFFIX).
		Limit(1).Find(&row)
	if res.Error != nil {
		return "", false, res.Error
	}
	return row.Md5, res.RowsAffected > 0, nil
}

func (s *GormStore) removeBlob(user, md5 string) {
	if md5 == "" {
		return
	}
	path := filepath.Join(s.rootDir, user, md5)
	if !file.Exists(path) {
		return
	}
	if !file.Delete(path) {
		logger.Error("cannot delete file ", path)
	}
}

func (s *GormStore) GetUserAllFileInfo(user string) ([]common.FileEntry, error) {
	var rows []FileDirDO
	if err := s.db.Where("user = ?", user).Order("file_id").Find(&rows).Error; err != nil {
		return nil, transformNotFoundErr(err)
	}
	ret := make([]common.FileEntry, len(rows))
	for i, r := range rows {
		ret[i] = common.FileEntry{
			FileId:    r.FileId,
			FileName:  r.FileName,
			DirGrade:  r.DirGrade,
			FileType:  r.FileType,
			FileSize:  r.FileSize,
			ParentDir: r.ParentDir,
			FileDate:  r.FileDate,
		}
	}
	return ret, nil
}

func (s *GormStore) GetFileMd5(user string, fileId uint64) (string, bool, error) {
	return fileMd5(s.db, user, fileId)
}
