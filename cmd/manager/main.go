/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command manager is the operator's process entrypoint: it loads
// configuration, wires DirectoryClient, GatewayStore, ResourceSource and
// Reconciler together, and runs the Controller until signaled to stop.
package main

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager/signals"

	ctrl "sigs.k8s.io/controller-runtime"

	guacamolev1 "github.com/ukserp-ac-uk/guacamole-connection-operator/api/v1"
	"github.com/ukserp-ac-uk/guacamole-connection-operator/internal/config"
	"github.com/ukserp-ac-uk/guacamole-connection-operator/internal/controller"
	"github.com/ukserp-ac-uk/guacamole-connection-operator/internal/directory"
	"github.com/ukserp-ac-uk/guacamole-connection-operator/internal/errkind"
	"github.com/ukserp-ac-uk/guacamole-connection-operator/internal/reconciler"
	"github.com/ukserp-ac-uk/guacamole-connection-operator/internal/source"
	"github.com/ukserp-ac-uk/guacamole-connection-operator/internal/store"
)

var scheme = runtime.NewScheme()

func init() {
	if err := guacamolev1.AddToScheme(scheme); err != nil {
		panic(err)
	}
}

func main() {
	if err := run(); err != nil {
		ctrl.Log.Error(err, "operator exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		setupLogger("DEBUG")
		return err
	}
	setupLogger(cfg.LogLevel)

	log := ctrl.Log.WithName("manager")
	ctx := signals.SetupSignalHandler()

	log.Info("opening gateway database connection", "host", cfg.Database.Host, "name", cfg.Database.Name)
	db, err := store.Open(ctx, cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("opening gateway store: %w", err)
	}
	defer db.Close()

	log.Info("binding to directory", "host", cfg.Directory.Host)
	dirClient, err := directory.NewClient(directory.Config{
		Host:              cfg.Directory.Host,
		Port:              cfg.Directory.Port,
		TLS:               true,
		BindDN:            cfg.Directory.BindDN,
		BindPassword:      cfg.Directory.BindPassword,
		UserBaseDN:        cfg.Directory.UserBaseDN,
		UserFilter:        cfg.Directory.UserFilter,
		GroupBaseDN:       cfg.Directory.GroupBaseDN,
		GroupFilter:       cfg.Directory.GroupFilter,
		MemberAttribute:   cfg.Directory.MemberAttribute,
		UsernameAttribute: cfg.Directory.UsernameAttribute,
		FullnameAttribute: cfg.Directory.FullnameAttribute,
		EmailAttribute:    cfg.Directory.EmailAttribute,
		PageSize:          cfg.Directory.PageSize,
		Timeout:           30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("connecting to directory: %w", err)
	}
	defer dirClient.Close()

	restConfig := ctrl.GetConfigOrDie()
	k8sClient, err := client.NewWithWatch(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		return errkind.New(errkind.FatalInternal, fmt.Errorf("building kubernetes client: %w", err))
	}

	src := source.New(k8sClient, cfg.Namespace)

	rec := reconciler.New(k8sClient, dirClient, db, reconciler.Config{
		Namespace:              cfg.Namespace,
		ServiceAccountUsername: cfg.Gateway.ServiceAccountUser,
		Attributes: directory.WantedAttributes{
			Username: cfg.Directory.UsernameAttribute,
			Fullname: cfg.Directory.FullnameAttribute,
			Email:    cfg.Directory.EmailAttribute,
		},
	}, log.WithName("reconciler"))

	ctl := controller.New(db, dirClient, src, rec, k8sClient.Status(), controller.Config{
		ServiceAccountUsername: cfg.Gateway.ServiceAccountUser,
		ServiceAccountPassword: cfg.Gateway.ServiceAccountPassword,
	}, log.WithName("controller"))

	log.Info("starting controller", "namespace", cfg.Namespace)
	if err := ctl.Run(ctx); err != nil {
		return fmt.Errorf("controller stopped: %w", err)
	}

	log.Info("shutdown complete")
	return nil
}

func setupLogger(level string) {
	ctrl.SetLogger(zap.New(zap.UseDevMode(true), zap.Level(parseLevel(level))))
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "DEBUG", "debug":
		return zapcore.DebugLevel
	case "INFO", "info":
		return zapcore.InfoLevel
	case "WARN", "WARNING", "warn", "warning":
		return zapcore.WarnLevel
	case "ERROR", "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.DebugLevel
	}
}
