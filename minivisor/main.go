// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command minivisor is a client for minivisord.  It uses subcommands.
//
// The flags are
//
//	-a <address>	- daemon address, default is http://127.0.0.1:8321
//	-u <user:pass>	- user name & password for basic auth
//
// Subcommands are
//
//	services            - list all services
//	status [<svc> ...]  - show status for the named services (or all)
//	info <svc>          - show more detailed service info
//	log [<svc>]         - show the log for the named service, or all
//	ui                  - full screen monitor (the default)
package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gdamore/minivisor/minivisor/ui"
	"github.com/gdamore/minivisor/minivisor/util"
	"github.com/gdamore/minivisor/rest"
)

var (
	addr   = "http://127.0.0.1:8321"
	auth   string
	client *rest.Client
)

var rootCmd = &cobra.Command{
	Use:               "minivisor",
	Short:             "Monitor a minivisord daemon",
	SilenceUsage:      true,
	PersistentPreRunE: connect,
	Args:              cobra.NoArgs,
	RunE:              runUI,
}

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List all services",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		names, e := client.Services()
		if e != nil {
			return e
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [service...]",
	Short: "Show status for the named services, or all of them",
	RunE: func(cmd *cobra.Command, names []string) error {
		var e error
		if len(names) == 0 {
			if names, e = client.Services(); e != nil {
				return e
			}
		}
		infos := []*rest.ServiceInfo{}
		for _, n := range names {
			info, e := client.GetService(n)
			if e != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", n, e)
				continue
			}
			infos = append(infos, info)
		}
		util.SortServices(infos)
		for _, info := range infos {
			showStatus(cmd.OutOrStdout(), info)
		}
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info service",
	Short: "Show detailed information for a service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, e := client.GetService(args[0])
		if e != nil {
			return e
		}
		showInfo(cmd.OutOrStdout(), s)
		return nil
	},
}

var logCmd = &cobra.Command{
	Use:   "log [service]",
	Short: "Show the log for a service, or the consolidated log",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		l, e := client.GetLog(name)
		if e != nil {
			return e
		}
		for _, r := range l.Records {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n",
				r.Time.Format(time.StampMilli), r.Text)
		}
		return nil
	},
}

var uiCmd = &cobra.Command{
	Use:   "ui",
	Short: "Full screen monitor",
	Args:  cobra.NoArgs,
	RunE:  runUI,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&addr, "addr", "a", addr, "minivisord address")
	rootCmd.PersistentFlags().StringVarP(&auth, "user", "u", "", "user:pass authentication")
	rootCmd.AddCommand(servicesCmd, statusCmd, infoCmd, logCmd, uiCmd)
}

func connect(_ *cobra.Command, _ []string) error {
	client = rest.NewClient(nil, strings.TrimSuffix(addr, "/"))
	if auth != "" {
		a := strings.SplitN(auth, ":", 2)
		if len(a) != 2 {
			return fmt.Errorf("bad user:pass supplied")
		}
		client.SetAuth(a[0], a[1])
	}
	return nil
}

func runUI(_ *cobra.Command, _ []string) error {
	return ui.NewApp(client, addr).Run()
}

func showStatus(w io.Writer, s *rest.ServiceInfo) {
	fmt.Fprintf(w, "%-20s %-8s %10s %s\n", s.Name,
		util.Status(s), util.FormatDuration(util.Since(s)), s.Status)
}

func showInfo(w io.Writer, s *rest.ServiceInfo) {
	fmt.Fprintf(w, "Name:      %s\n", s.Name)
	fmt.Fprintf(w, "Command:   %s\n",
		strings.Join(append([]string{s.Command}, s.Args...), " "))
	fmt.Fprintf(w, "Policy:    %s (max %d restarts)\n", s.Policy,
		s.MaxRestarts)
	fmt.Fprintf(w, "Status:    %s\n", util.Status(s))
	fmt.Fprintf(w, "Since:     %v\n", util.Since(s))
	fmt.Fprintf(w, "Detail:    %s\n", s.Status)
	fmt.Fprintf(w, "Restarts:  %d\n", s.Restarts)
	if s.Running {
		fmt.Fprintf(w, "Pid:       %d\n", s.Pid)
	}
	if s.LastExit != "" {
		fmt.Fprintf(w, "Last exit: %s\n", s.LastExit)
	}
}

func main() {
	if e := rootCmd.Execute(); e != nil {
		os.Exit(1)
	}
}
