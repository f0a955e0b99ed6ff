package main

import "fmt"

// boardAddress builds a locally administered MAC-style address.
func boardAddress(i int) string {
	return fmt.Sprintf("02:00:00:00:%02x:%02x", (i>>8)&0xff, i&0xff)
}

func switchIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("s%d", i+1)
	}
	return ids
}

// GenerateBoards creates the boards described by cfg, numbered from 1.
func GenerateBoards(cfg Config, strat ReportStrategy) []*SimulatedBoard {
	boards := make([]*SimulatedBoard, cfg.Count)
	for i := range boards {
		b := NewSimulatedBoard(boardAddress(i+1), cfg.Secret, cfg.Switches, strat)
		b.Heartbeat = cfg.HeartbeatInterval
		boards[i] = b
	}
	return boards
}
