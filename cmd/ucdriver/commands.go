package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ucdriver-go/application"
	"ucdriver-go/application/undetected"
	"ucdriver-go/core/command"
	"ucdriver-go/core/event"
	"ucdriver-go/core/eventbus"
	"ucdriver-go/domain/profile"
	"ucdriver-go/infrastructure/locator"
	"ucdriver-go/infrastructure/metrics"
	"ucdriver-go/infrastructure/options"
	"ucdriver-go/infrastructure/patcher"
	"ucdriver-go/infrastructure/repository"
	"ucdriver-go/infrastructure/version"
)

func (a *app) locateCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "locate",
		Short: "Print the browser executable that would be launched",
		RunE: func(cmd *cobra.Command, args []string) error {
			l := locator.New(a.logger)
			if all {
				for _, p := range l.FindAll() {
					fmt.Fprintln(cmd.OutOrStdout(), p)
				}
				return nil
			}
			path, err := l.FindChromeExecutable()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every installed candidate")
	return cmd
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version [browser]",
		Short: "Detect the installed browser version",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := version.NewDetector()
			var (
				v   version.Version
				err error
			)
			if len(args) == 1 {
				v, err = d.Detect(cmd.Context(), args[0])
			} else {
				v, err = d.DetectFromOS(cmd.Context())
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (major %d)\n", v, v.Major())
			return nil
		},
	}
}

func (a *app) patchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "patch",
		Short: "Download and patch chromedriver",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := patcher.New(a.patcherConfig(), nil, a.logger)
			patched, err := p.Auto(cmd.Context())
			if err != nil {
				return err
			}
			a.logger.Info("Driver ready", "path", p.ExecutablePath, "version", p.VersionFull, "patched", patched)
			fmt.Fprintln(cmd.OutOrStdout(), p.ExecutablePath)
			return nil
		},
	}
}

func (a *app) launchCmd() *cobra.Command {
	var (
		profileID   string
		url         string
		saveCookies bool
		headless    bool
		cdpEvents   bool
	)
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Start a browser and keep it running until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			profiles, closeStore, err := a.openProfiles(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			bus := eventbus.NewWithLogger(100, a.logger)
			defer bus.Close()
			bus.Subscribe(func(e event.Event) {
				a.logger.Debug("Event", "event", e.EventName())
			})

			m := metrics.New()
			template := a.driverTemplate()
			template.Metrics = m

			coord := application.NewCoordinator(&application.CoordinatorConfig{
				EventBus:     bus,
				Profiles:     profiles,
				DriverConfig: template,
				Logger:       a.logger,
			})
			coord.Start()
			defer coord.Stop()

			g, gctx := errgroup.WithContext(ctx)
			if a.cfg.Metrics.Enabled {
				srv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: m.Handler()}
				g.Go(func() error {
					a.logger.Info("Serving metrics", "addr", srv.Addr)
					if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}

			sess, err := coord.StartDriver(ctx, &command.StartDriver{
				ProfileID:       profileID,
				URL:             url,
				Headless:        headless,
				EnableCDPEvents: cdpEvents,
				Arguments:       a.cfg.Driver.Arguments,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sess.ID())

			g.Go(func() error {
				select {
				case <-gctx.Done():
				case <-sess.Done():
					return errors.New("driver stopped")
				}
				if saveCookies && profileID != "" {
					a.saveCookies(bus, sess.ID(), func(c command.Command) error { return coord.Dispatch(c) })
				}
				return nil
			})

			err = g.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&profileID, "profile", "", "profile id to launch with")
	cmd.Flags().StringVar(&url, "url", "", "page to open once connected")
	cmd.Flags().BoolVar(&saveCookies, "save-cookies", false, "store cookies back into the profile on exit")
	cmd.Flags().BoolVar(&headless, "headless", false, "run without a window")
	cmd.Flags().BoolVar(&cdpEvents, "cdp-events", false, "forward DevTools events to the log")
	return cmd
}

// saveCookies asks the driver to store its cookies and waits for the outcome.
func (a *app) saveCookies(bus eventbus.EventBus, driverID string, dispatch func(command.Command) error) {
	done := make(chan error, 1)
	sub := bus.SubscribeDriver(driverID, func(e event.Event) {
		var err error
		switch evt := e.(type) {
		case *event.CookiesSaved:
		case *event.OperationFailed:
			err = evt.Error
		default:
			return
		}
		select {
		case done <- err:
		default:
		}
	})
	defer bus.Unsubscribe(sub)

	if err := dispatch(command.NewSaveCookies(driverID)); err != nil {
		a.logger.Warn("Failed to save cookies", "error", err)
		return
	}
	select {
	case err := <-done:
		if err != nil {
			a.logger.Warn("Failed to save cookies", "error", err)
		}
	case <-time.After(10 * time.Second):
		a.logger.Warn("Timed out saving cookies")
	}
}

func (a *app) cdpCmd() *cobra.Command {
	var (
		url        string
		headless   bool
		incognito  bool
		guest      bool
		extensions []string
	)
	cmd := &cobra.Command{
		Use:   "cdp",
		Short: "Start a browser controlled over DevTools only",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			bc, err := options.NewCDPConfig(a.cfg.Driver.UserDataDir, a.logger)
			if err != nil {
				return err
			}
			bc.BrowserExecutablePath = a.cfg.Driver.BrowserExecutablePath
			bc.Headless = headless || a.cfg.Driver.Headless
			bc.Incognito = incognito
			bc.Guest = guest
			for _, arg := range a.cfg.Driver.Arguments {
				if err := bc.AddArgument(arg); err != nil {
					return err
				}
			}
			for _, ext := range extensions {
				if err := bc.AddExtension(ext); err != nil {
					return err
				}
			}

			b, err := undetected.StartCDP(ctx, &undetected.CDPLaunchConfig{
				Browser:        bc,
				StartupTimeout: a.cfg.Driver.StartupTimeout.Std(),
				Logger:         a.logger,
			})
			if err != nil {
				return err
			}
			defer b.Close()

			if url != "" {
				if err := b.Driver().Navigate(ctx, url); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), b.Endpoints().URL("version"))
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "page to open")
	cmd.Flags().BoolVar(&headless, "headless", false, "run without a window")
	cmd.Flags().BoolVar(&incognito, "incognito", false, "start in incognito mode")
	cmd.Flags().BoolVar(&guest, "guest", false, "start in guest mode")
	cmd.Flags().StringSliceVar(&extensions, "extension", nil, "unpacked extension folder or zip to load")
	return cmd
}

func (a *app) profilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage stored browser profiles",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeStore, err := a.openProfiles(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			all, err := svc.ListProfiles(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tLANG\tCOOKIES")
			for _, p := range all {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", p.ID, p.Name, p.Language, len(p.Cookies))
			}
			return w.Flush()
		},
	}

	var p profile.Profile
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeStore, err := a.openProfiles(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			p.Name = args[0]
			if err := svc.CreateProfile(cmd.Context(), &p); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), p.ID)
			return nil
		},
	}
	create.Flags().StringVar(&p.UserDataDir, "user-data-dir", "", "persistent browser profile folder")
	create.Flags().StringVar(&p.Language, "lang", "", "browser language, e.g. en-US")

	remove := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeStore, err := a.openProfiles(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()
			return svc.DeleteProfile(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(list, create, remove)
	return cmd
}

// openProfiles opens the configured profile store.
func (a *app) openProfiles(ctx context.Context) (*profile.Service, func(), error) {
	switch a.cfg.Profiles.Store {
	case "mongodb":
		mc := a.cfg.MongoDB
		db, err := repository.NewMongoDB(ctx, &repository.MongoDBConfig{
			URI:            mc.URI,
			Database:       mc.Database,
			AppName:        "ucdriver",
			ConnectTimeout: mc.ConnectTimeout.Std(),
			PingTimeout:    mc.PingTimeout.Std(),
		}, a.logger)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := db.Close(context.Background()); err != nil {
				a.logger.Warn("Failed to close MongoDB", "error", err)
			}
		}
		return profile.NewService(repository.NewMongoProfileRepository(db, a.logger)), closeFn, nil
	default:
		repo, err := repository.NewFileProfileRepository(a.cfg.Profiles.Dir, a.logger)
		if err != nil {
			return nil, nil, err
		}
		return profile.NewService(repo), func() {}, nil
	}
}
