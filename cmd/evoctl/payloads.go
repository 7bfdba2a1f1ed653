package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/tidwall/gjson"
)

// readPayloads loads webhook bodies from path. The file may hold a single
// object, an array of objects or one object per line. "-" reads stdin.
func readPayloads(path string) ([][]byte, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return splitPayloads(data)
}

func splitPayloads(data []byte) ([][]byte, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if gjson.ValidBytes(data) {
		root := gjson.ParseBytes(data)
		if !root.IsArray() {
			return [][]byte{data}, nil
		}
		var out [][]byte
		for _, item := range root.Array() {
			out = append(out, []byte(item.Raw))
		}
		return out, nil
	}

	var out [][]byte
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		if !gjson.ValidBytes(raw) {
			return nil, fmt.Errorf("line %d: invalid JSON", line)
		}
		out = append(out, append([]byte(nil), raw...))
	}
	return out, scanner.Err()
}
