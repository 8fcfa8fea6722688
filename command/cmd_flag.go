package command

import (
	"errors"
	"fmt"
	"os"

	"github.com/hetianyi/godisk/common"
	"github.com/urfave/cli"
)

func logFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  "log-level",
			Value: "",
			Usage: `set log level, available options:
	(trace|debug|info|warn|error|fatal)`,
			Destination: &logLevel,
		},
		cli.StringFlag{
			Name:        "log-dir",
			Value:       "",
			Usage:       "set log directory",
			Destination: &logDir,
		},
		cli.IntFlag{
			Name:  "max-logfile-size",
			Value: 0,
			Usage: `rolling log file max size, options:
	(0|64|128|256|512|1024)`,
			Destination: &maxLogfileSize,
		},
		cli.StringFlag{
			Name:        "log-rotation-interval",
			Value:       "",
			Usage:       "log rotation interval(h|d|m|y)",
			Destination: &logRotationInterval,
		},
		cli.BoolFlag{
			Name:        "disable-logfile",
			Usage:       "disable save log to file",
			Destination: &disableSaveLogfile,
		},
	}
}

func clientFlags(extra ...cli.Flag) []cli.Flag {
	flags := []cli.Flag{
		cli.StringFlag{
			Name:        "server",
			Value:       "",
			Usage:       "storage server short task address, host:port",
			Destination: &server,
		},
		cli.StringFlag{
			Name:        "transfer-server",
			Value:       "",
			Usage:       "storage server transfer address, host:port",
			Destination: &transferServer,
		},
		cli.StringFlag{
			Name:        "balancer, b",
			Value:       "",
			Usage:       "balancer lookup address, used when no server is given",
			Destination: &lookupAddress,
		},
		cli.StringFlag{
			Name:        "ca",
			Value:       "",
			Usage:       "certificate to trust, empty skips verification",
			Destination: &caFile,
		},
		cli.StringFlag{
			Name:        "user, u",
			Value:       "",
			Usage:       "account name",
			Destination: &user,
		},
		cli.StringFlag{
			Name:        "password, p",
			Value:       "",
			Usage:       "account password",
			Destination: &password,
		},
		cli.StringFlag{
			Name:        "log-level",
			Value:       "",
			Usage:       "set log level",
			Destination: &logLevel,
		},
	}
	return append(flags, extra...)
}

// Parse parses command flags using `github.com/urfave/cli`
func Parse(arguments []string) {
	appFlag := cli.NewApp()
	appFlag.Version = common.VERSION
	appFlag.HideVersion = true
	appFlag.Name = "godisk"
	appFlag.Usage = "godisk"
	appFlag.HelpName = "godisk"
	appFlag.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:        "version, v",
			Usage:       `show version`,
			Destination: &showVersion,
		},
	}

	appFlag.Commands = []cli.Command{
		{
			Name:  "storage",
			Usage: "start as storage server",
			Action: func(c *cli.Context) error {
				finalCommand = common.CMD_BOOT_STORAGE
				return nil
			},
			Flags: append([]cli.Flag{
				cli.StringFlag{
					Name:        "config, c",
					Value:       "",
					Usage:       "use custom config file",
					Destination: &configFile,
				},
				cli.StringFlag{
					Name:        "name, n",
					Value:       "",
					Usage:       "server name, generated when empty",
					Destination: &name,
				},
				cli.StringFlag{
					Name:        "bind-address",
					Value:       "",
					Usage:       "bind listening address",
					Destination: &bindAddress,
				},
				cli.IntFlag{
					Name:        "short-port",
					Value:       0,
					Usage:       "short task port",
					Destination: &shortPort,
				},
				cli.IntFlag{
					Name:        "transfer-port",
					Value:       0,
					Usage:       "transfer port",
					Destination: &transferPort,
				},
				cli.StringFlag{
					Name:        "advertise-address",
					Value:       "",
					Usage:       "address announced to the balancer",
					Destination: &advertiseAddress,
				},
				cli.StringFlag{
					Name:        "preferred-network",
					Value:       "",
					Usage:       "choose preferred network interface for registering",
					Destination: &preferredNetwork,
				},
				cli.StringFlag{
					Name:        "data-dir",
					Value:       "",
					Usage:       "data directory",
					Destination: &dataDir,
				},
				cli.StringFlag{
					Name:        "cert",
					Value:       "",
					Usage:       "tls certificate file",
					Destination: &certFile,
				},
				cli.StringFlag{
					Name:        "key",
					Value:       "",
					Usage:       "tls private key file",
					Destination: &keyFile,
				},
				cli.IntFlag{
					Name:        "workers",
					Value:       0,
					Usage:       "number of handler workers",
					Destination: &workers,
				},
				cli.IntFlag{
					Name:        "sub-reactors",
					Value:       0,
					Usage:       "number of event loops",
					Destination: &subReactors,
				},
				cli.IntFlag{
					Name:        "idle-timeout",
					Value:       0,
					Usage:       "idle connection timeout in milliseconds",
					Destination: &idleTimeout,
				},
				cli.IntFlag{
					Name:        "max-connections",
					Value:       0,
					Usage:       "max live connections",
					Destination: &maxConnections,
				},
				cli.StringFlag{
					Name:        "balancer, b",
					Value:       "",
					Usage:       "balancer registration address, host:port",
					Destination: &balancer,
				},
				cli.StringFlag{
					Name:        "secret, s",
					Value:       "",
					Usage:       "balancer secret",
					Destination: &secret,
				},
				cli.BoolFlag{
					Name:        "enable-http",
					Usage:       "enable http status server",
					Destination: &enableHttp,
				},
				cli.IntFlag{
					Name:        "http-port",
					Value:       0,
					Usage:       "http port",
					Destination: &httpPort,
				},
			}, logFlags()...),
		},
		{
			Name:  "balancer",
			Usage: "start as load balancer",
			Action: func(c *cli.Context) error {
				finalCommand = common.CMD_BOOT_BALANCER
				return nil
			},
			Flags: append([]cli.Flag{
				cli.StringFlag{
					Name:        "config, c",
					Value:       "",
					Usage:       "use custom config file",
					Destination: &configFile,
				},
				cli.StringFlag{
					Name:        "bind-address",
					Value:       "",
					Usage:       "bind listening address",
					Destination: &bindAddress,
				},
				cli.IntFlag{
					Name:        "server-port",
					Value:       0,
					Usage:       "port storage servers register on",
					Destination: &serverPort,
				},
				cli.IntFlag{
					Name:        "client-port",
					Value:       0,
					Usage:       "port clients look up on",
					Destination: &clientPort,
				},
				cli.StringFlag{
					Name:        "secret, s",
					Value:       "",
					Usage:       "secret storage servers must present",
					Destination: &secret,
				},
				cli.BoolFlag{
					Name:        "enable-http",
					Usage:       "enable http status server",
					Destination: &enableHttp,
				},
				cli.IntFlag{
					Name:        "http-port",
					Value:       0,
					Usage:       "http port",
					Destination: &httpPort,
				},
			}, logFlags()...),
		},
		{
			Name:  "lookup",
			Usage: "ask a balancer for the least loaded storage server",
			Action: func(c *cli.Context) error {
				finalCommand = common.CMD_LOOKUP
				if c.NArg() > 0 {
					lookupAddress = c.Args().Get(0)
				}
				if lookupAddress == "" {
					return errors.New(`Err: no balancer provided.
Usage: godisk lookup <host:port>`)
				}
				return nil
			},
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:        "log-level",
					Value:       "",
					Usage:       "set log level",
					Destination: &logLevel,
				},
			},
		},
		{
			Name:  "cert",
			Usage: "generate a self signed certificate",
			Action: func(c *cli.Context) error {
				finalCommand = common.CMD_GENERATE_CERT
				return nil
			},
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:        "data-dir",
					Value:       ".",
					Usage:       "output directory",
					Destination: &dataDir,
				},
				cli.StringFlag{
					Name:        "hosts",
					Value:       "",
					Usage:       "comma separated hosts and ips of the certificate",
					Destination: &certHosts,
				},
			},
		},
		{
			Name:  "client",
			Usage: "client cli",
			Subcommands: []cli.Command{
				{
					Name:  "signup",
					Usage: "create an account",
					Action: func(c *cli.Context) error {
						finalCommand = common.CMD_SIGN_UP
						return nil
					},
					Flags: clientFlags(),
				},
				{
					Name:  "ls",
					Usage: "list all files of the account",
					Action: func(c *cli.Context) error {
						finalCommand = common.CMD_LIST_FILES
						return nil
					},
					Flags: clientFlags(),
				},
				{
					Name:  "upload",
					Usage: "upload local files",
					Action: func(c *cli.Context) error {
						finalCommand = common.CMD_UPLOAD_FILE
						if c.NArg() == 0 {
							return errors.New(`Err: no parameters provided.
Usage: godisk client upload <file1> <file2> ...`)
						}
						for i := range c.Args() {
							uploadFiles.PushBack(c.Args().Get(i))
						}
						return nil
					},
					Flags: clientFlags(
						cli.Uint64Flag{
							Name:        "parent",
							Value:       0,
							Usage:       "id of the target directory",
							Destination: &parentDir,
						},
						cli.BoolFlag{
							Name:        "resume, r",
							Usage:       "continue a partial upload",
							Destination: &resumeUpload,
						},
					),
				},
				{
					Name:  "download",
					Usage: "download files by id",
					Action: func(c *cli.Context) error {
						finalCommand = common.CMD_DOWNLOAD_FILE
						if c.NArg() == 0 {
							return errors.New(`Err: no parameters provided.
Usage: godisk client download <fileId1> <fileId2> ...`)
						}
						for i := range c.Args() {
							downloadFiles.PushBack(c.Args().Get(i))
						}
						return nil
					},
					Flags: clientFlags(
						cli.StringFlag{
							Name:        "name, n",
							Value:       "",
							Usage:       "custom filename of the download file",
							Destination: &customDownloadName,
						},
						cli.Uint64Flag{
							Name:        "offset",
							Value:       0,
							Usage:       "resume offset",
							Destination: &downloadOffset,
						},
					),
				},
			},
		},
	}

	cli.AppHelpTemplate = `
Usage: {{if .UsageText}}{{.UsageText}}{{else}}{{.HelpName}} {{if .VisibleFlags}}[global options]{{end}}{{if .Commands}} command [command options]{{end}} {{if .ArgsUsage}}{{.ArgsUsage}}{{else}}[arguments...]{{end}}{{end}}{{if .VisibleCommands}}

Commands:{{range .VisibleCategories}}
{{if .Name}}
   {{.Name}}:{{end}}{{range .VisibleCommands}}
     {{join .Names ", "}}{{"\t"}}{{.Usage}}{{end}}{{end}}{{end}}{{if .VisibleFlags}}

Options:

   {{range $index, $option := .VisibleFlags}}{{if $index}}{{end}}{{$option}}
   {{end}}{{end}}
`

	cli.CommandHelpTemplate = `
Usage: {{if .UsageText}}{{.UsageText}}{{else}}{{.HelpName}}{{if .VisibleFlags}} [command options]{{end}} {{if .ArgsUsage}}{{.ArgsUsage}}{{else}}[arguments...]{{end}}{{end}}

{{.Usage}}{{if .VisibleFlags}}

Options:

   {{range .VisibleFlags}}{{.}}
   {{end}}{{end}}
`

	appFlag.Action = func(c *cli.Context) error {
		if showVersion {
			cli.ShowVersion(c)
			os.Exit(0)
			return nil
		}
		cli.ShowAppHelp(c)
		os.Exit(0)
		return nil
	}

	err := appFlag.Run(arguments)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
		return
	}

	if finalCommand == common.CMD_SHOW_HELP {
		os.Exit(0)
	}

	if err = call(finalCommand); err != nil {
		fmt.Println("Err:", err)
		os.Exit(1)
	}
}
