package coremain

import (
	"fmt"
	"os"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/TecArt/tecart-http-proxy/mlog"
)

var svcCfg = &service.Config{
	Name:        "tecproxy",
	DisplayName: "tecproxy",
	Description: "Forward HTTP proxy with DNS caching.",
	Arguments:   []string{"start", "--as-service"},
}

type serverService struct {
	f *serverFlags
}

func (ss *serverService) Start(s service.Service) error {
	go func() {
		if err := StartServer(ss.f); err != nil {
			mlog.S().Error(err)
			os.Exit(1)
		}
		os.Exit(0)
	}()
	return nil
}

func (ss *serverService) Stop(s service.Service) error {
	if p := activeProxy.Load(); p != nil {
		p.sc.SendCloseSignal(nil)
	}
	return nil
}

var svc service.Service

func initService(cmd *cobra.Command, args []string) error {
	// The service runs with the install directory as its working
	// directory so that a bare "config.yaml" next to the binary is
	// found.
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory, %w", err)
	}
	svcCfg.WorkingDirectory = wd

	s, err := service.New(&serverService{f: new(serverFlags)}, svcCfg)
	if err != nil {
		return fmt.Errorf("failed to init service, %w", err)
	}
	svc = s
	return nil
}

func newSvcInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Install()
		},
	}
}

func newSvcUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall the system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Uninstall()
		},
	}
}

func newSvcStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Start()
		},
	}
}

func newSvcStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Stop()
		},
	}
}

func newSvcRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Restart()
		},
	}
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the system service status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := svc.Status()
			if err != nil {
				return err
			}
			switch status {
			case service.StatusRunning:
				fmt.Println("running")
			case service.StatusStopped:
				fmt.Println("stopped")
			default:
				fmt.Println("unknown")
			}
			return nil
		},
	}
}
