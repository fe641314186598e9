package main

import "time"

// GlobalFlags are persistent across every subcommand.
type GlobalFlags struct {
	ConfigPath      string
	LogLevel        string
	MetricsTextfile string
}

type FlashFlags struct {
	Reset bool
	Speed int // kHz, 0 keeps the configured speed
}

type AdapterStartFlags struct {
	Foreground bool
}

type SerialFindFlags struct {
	Timeout time.Duration
}

type SerialReadFlags struct {
	Device string
	Baud   int
}

type ServeFlags struct {
	Addr     string
	BasePath string
}
