package db

// UserDO is a row of table users.
type UserDO struct {
	User         string `gorm:"column:user;primaryKey;size:50"`
	Password     string `gorm:"column:password;size:50;not null"`
	Cipher       string `gorm:"column:cipher;size:50"`
	IsVip        string `gorm:"column:is_vip;size:1;default:0"`
	CapacitySum  uint64 `gorm:"column:capacity_sum;default:10737418240"`
	UsedCapacity uint64 `gorm:"column:used_capacity;default:0"`
	Salt         string `gorm:"column:salt;size:50"`
	VipDate      string `gorm:"column:vip_date;size:50"`
}

func (UserDO) TableName() string {
	return "users"
}

// FileDirDO is a file or directory of a user. FileId is numbered per user
// starting at 1, directories have FileType "d" and no md5.
type FileDirDO struct {
	Id        uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	FileId    uint64 `gorm:"column:file_id;uniqueIndex:idx_user_file"`
	User      string `gorm:"column:user;size:50;uniqueIndex:idx_user_file;index:idx_user_md5"`
	FileName  string `gorm:"column:file_name;size:100"`
	DirGrade  uint32 `gorm:"column:dir_grade"`
	FileType  string `gorm:"column:file_type;size:10"`
	Md5       string `gorm:"column:md5;size:100;index:idx_user_md5"`
	FileSize  uint64 `gorm:"column:file_size"`
	ParentDir uint64 `gorm:"column:parent_dir;index"`
	FileDate  string `gorm:"column:file_date;size:100"`
}

func (FileDirDO) TableName() string {
	return "file_dirs"
}
