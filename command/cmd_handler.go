package command

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hetianyi/godisk/api"
	"github.com/hetianyi/godisk/common"
	"github.com/hetianyi/godisk/util"
	"github.com/hetianyi/gox"
	"github.com/hetianyi/gox/file"
	"github.com/hetianyi/gox/logger"
	"github.com/hetianyi/gox/pg"
	json "github.com/json-iterator/go"
)

// initClient resolves the storage server, directly or through the balancer.
func initClient() (*api.Client, error) {
	tlsConfig, err := util.LoadClientTLSConfig(caFile)
	if err != nil {
		return nil, err
	}
	var client *api.Client
	if server != "" {
		if transferServer == "" {
			s, err := util.ParseServer(server)
			if err != nil {
				return nil, err
			}
			s.Port++
			transferServer = s.ConnectionString()
		}
		client = api.NewClient(&api.Config{ShortAddr: server, TransferAddr: transferServer, TLS: tlsConfig})
	} else {
		if lookupAddress == "" {
			lookupAddress = "127.0.0.1:" + strconv.Itoa(common.DEFAULT_LOOKUP_PORT)
		}
		info, err := api.Lookup(lookupAddress, api.DefaultTimeout)
		if err != nil {
			return nil, err
		}
		logger.Debug("balancer chose ", info.Name, "@", info.Host)
		client = api.NewClientFor(info, tlsConfig)
	}
	client.SetCredential(user, password)
	return client, nil
}

func printJson(v interface{}) {
	bs, _ := json.MarshalIndent(v, "", "  ")
	logger.Info("\n", string(bs))
}

// handleLookup prints the server the balancer picks.
func handleLookup() error {
	info, err := api.Lookup(lookupAddress, api.DefaultTimeout)
	if err != nil {
		return err
	}
	printJson(info)
	return nil
}

func handleGenerateCert() error {
	var hosts []string
	if certHosts != "" {
		hosts = strings.Split(certHosts, ",")
	}
	cert, key, err := util.GenerateSelfSigned(dataDir, hosts...)
	if err != nil {
		return err
	}
	util.InitClientLogger("info")
	logger.Info("certificate: ", cert)
	logger.Info("private key: ", key)
	return nil
}

func handleSignUp() error {
	client, err := initClient()
	if err != nil {
		return err
	}
	s, err := client.OpenSession()
	if err != nil {
		return err
	}
	defer s.Close()
	info, err := s.SignUp(user, password)
	if err != nil {
		return err
	}
	logger.Info("account ", info.User, " created")
	return nil
}

func handleListFiles() error {
	client, err := initClient()
	if err != nil {
		return err
	}
	s, err := client.OpenSession()
	if err != nil {
		return err
	}
	defer s.Close()
	if _, err = s.SignIn(user, password); err != nil {
		return err
	}
	entries, err := s.List()
	if err != nil {
		return err
	}
	printJson(entries)
	return nil
}

// handleUploadFile handles upload files by client cli.
func handleUploadFile() error {
	client, err := initClient()
	if err != nil {
		return err
	}
	total := 0   // total files
	success := 0 // success files
	gox.WalkList(&uploadFiles, func(item interface{}) bool {
		total++
		fi, err := file.GetFile(item.(string))
		if err != nil {
			logger.Error(err)
			return false
		}
		defer fi.Close()
		inf, err := fi.Stat()
		if err != nil {
			logger.Error(err)
			return false
		}
		ret, err := client.Upload(inf.Name(), parentDir, fi, inf.Size(), resumeUpload)
		if err != nil {
			logger.Error("error uploading file ", item.(string), ": ", err)
			return false
		}
		success++
		logger.Info("upload success: ", item.(string))
		printJson(ret)
		return false
	})
	logger.Info("upload finish, success ", success, " of total ", total)
	return nil
}

// handleDownloadFile handles download files by client cli.
func handleDownloadFile() error {
	client, err := initClient()
	if err != nil {
		return err
	}
	wd, err := file.GetWorkDir()
	if err != nil {
		return err
	}
	if customDownloadName != "" && !file.IsAbsPath(customDownloadName) {
		if absPath, err := file.AbsPath(customDownloadName); err == nil {
			customDownloadName = absPath
		} else {
			customDownloadName = ""
		}
	}
	total := 0   // total files
	success := 0 // success files
	gox.WalkList(&downloadFiles, func(item interface{}) bool {
		total++
		id, err := strconv.ParseUint(item.(string), 10, 64)
		if err != nil {
			logger.Warn("invalid file id: ", item.(string))
			return false
		}
		if err = download(client, id, wd); err != nil {
			logger.Error("error downloading file ", id, ": ", err)
			return false
		}
		success++
		return false
	})
	logger.Info("download finish, success ", success, " of total ", total)
	return nil
}

func download(client *api.Client, id uint64, wd string) error {
	d, err := client.OpenDownload(id, "", downloadOffset)
	if err != nil {
		return err
	}
	target := filepath.Join(wd, d.Md5)
	if downloadFiles.Len() == 1 && customDownloadName != "" {
		target = customDownloadName
		if err = file.CreateDirs(filepath.Dir(target)); err != nil {
			d.Close()
			return err
		}
	}
	fi, err := file.CreateFile(target)
	if err != nil {
		d.Close()
		return err
	}
	defer fi.Close()
	logger.Info("downloading ", id, " to ", target)
	w := &pg.WrappedWriter{Writer: fi}
	// show download progressbar.
	pro := pg.NewWrappedWriterProgress(int64(d.Total-downloadOffset), 50, "downloading "+strconv.FormatUint(id, 10), pg.Top, w)
	if err = d.Receive(w, nil); err != nil {
		pro.Destroy()
	}
	return err
}
