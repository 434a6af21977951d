// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package sysfs provides best-effort readers for kernel attribute files.
//
// Every reader reports absence through a boolean rather than an error: a
// missing, unreadable, empty or malformed attribute is treated the same way.
// Reads are synchronous and carry no timeout; a driver that blocks inside its
// attribute handler blocks the caller.
package sysfs

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// pageSize bounds a single attribute read; the kernel never returns more than
// one page for a sysfs attribute.
const pageSize = 4096

// ReadFile reads an attribute with a single read(2).
//
// Some hwmon drivers return EAGAIN, which makes os.ReadFile poll forever, so the
// file is read once and whatever the kernel returned is used.
func ReadFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	b := make([]byte, pageSize)
	n, err := unix.Read(int(f.Fd()), b)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("failed to read file: %q, read returned negative bytes value: %d", path, n)
	}
	return b[:n], nil
}

// ReadString returns the whole attribute with surrounding whitespace removed
func ReadString(path string) (string, bool) {
	data, err := ReadFile(path)
	if err != nil {
		return "", false
	}
	s := strings.TrimSpace(string(data))
	return s, s != ""
}

// ReadFirstLine returns the first line of the attribute without its newline
func ReadFirstLine(path string) (string, bool) {
	data, err := ReadFile(path)
	if err != nil {
		return "", false
	}
	line, _, _ := bytes.Cut(data, []byte("\n"))
	s := strings.TrimSpace(string(line))
	return s, s != ""
}

// ReadLines returns the non-empty, trimmed lines of a multi-line attribute
func ReadLines(path string) ([]string, bool) {
	data, err := ReadFile(path)
	if err != nil {
		return nil, false
	}

	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if l := strings.TrimSpace(sc.Text()); l != "" {
			lines = append(lines, l)
		}
	}
	return lines, len(lines) > 0
}

// ReadInt parses the first line as an integer. The base is taken from the
// prefix, so "0x10de" and "4318" are both accepted.
func ReadInt(path string) (int64, bool) {
	line, ok := ReadFirstLine(path)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(line, 0, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ReadUint is ReadInt for counters that may exceed the int64 range
func ReadUint(path string) (uint64, bool) {
	line, ok := ReadFirstLine(path)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(line, 0, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ReadKeyValues parses KEY=VALUE lines such as a uevent file
func ReadKeyValues(path string) (map[string]string, bool) {
	lines, ok := ReadLines(path)
	if !ok {
		return nil, false
	}

	kv := make(map[string]string, len(lines))
	for _, l := range lines {
		k, v, found := strings.Cut(l, "=")
		if !found {
			continue
		}
		kv[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return kv, len(kv) > 0
}

// LinkBase returns the base name of a symlink target, e.g. the driver of a device
func LinkBase(path string) (string, bool) {
	target, err := os.Readlink(path)
	if err != nil {
		return "", false
	}
	return filepath.Base(target), true
}

// IsDir reports whether path is a directory, following symlinks
func IsDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// Exists reports whether path exists
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
