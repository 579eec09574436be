package app

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"go2tv.app/screenrecorder/bridge"
	"go2tv.app/screenrecorder/capture"
	"go2tv.app/screenrecorder/config"
	"go2tv.app/screenrecorder/internal/logging"
	"go2tv.app/screenrecorder/library"
	"go2tv.app/screenrecorder/permission"
	"go2tv.app/screenrecorder/recorder"
)

type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Service  *capture.FFmpegService
	Store    permission.Store
	Gate     *permission.Gate
	Library  *library.DirLibrary
	Recorder *recorder.Recorder
	Plugin   *bridge.Plugin
}

func New(cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile, Name: "screenrecorder"})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	svc, err := capture.NewFFmpegService(&capture.FFmpegOptions{
		FFmpegPath:     cfg.FFmpegPath,
		FrameRate:      cfg.FrameRate,
		AppAudio:       cfg.AppAudio,
		MicAudio:       cfg.MicAudio,
		AppAudioDevice: cfg.AppAudioDevice,
		MicAudioDevice: cfg.MicAudioDevice,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	store := newStore(cfg, logger)
	gate := permission.NewGate(store, &permission.TerminalPrompter{In: os.Stdin, Out: os.Stderr}, logger)

	lib, err := library.NewDirLibrary(cfg.LibraryDir, logger)
	if err != nil {
		return nil, err
	}

	rec, err := recorder.New(recorder.Options{
		Service:       svc,
		RecordingsDir: cfg.RecordingsDir,
		Persister:     library.NewPersister(gate, lib, logger),
		SaveToLibrary: cfg.SaveToLibrary,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		Config:   cfg,
		Logger:   logger,
		Service:  svc,
		Store:    store,
		Gate:     gate,
		Library:  lib,
		Recorder: rec,
		Plugin:   bridge.New(rec, &bridge.Options{Logger: logger}),
	}, nil
}

// newStore falls back to the file store when the desktop permission store
// cannot be reached.
func newStore(cfg *config.Config, logger *zap.Logger) permission.Store {
	if cfg.PermissionStore == config.PermissionStorePortal {
		store, err := permission.NewPortalStore()
		if err == nil {
			return store
		}
		logger.Warn("desktop permission store unavailable, using file", zap.String("path", cfg.PermissionFile), zap.Error(err))
	}
	return permission.NewFileStore(cfg.PermissionFile)
}

// Close stops any running recording and flushes the logger.
func (a *App) Close(ctx context.Context) error {
	err := a.Recorder.Close(ctx)
	_ = a.Logger.Sync()
	return err
}
