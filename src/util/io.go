package util

import (
	"bufio"
	"errors"
	"io"
	"os"
	"time"
)

// ---------------------
// ----- Functions -----
// ---------------------

// ReadSource reads source code from file or stdin.
// If the Options structure holds a path the file will be opened and read.
// Else the function waits for a short period for input on stdin. If no
// input on stdin is provided the function returns an error.
func ReadSource(opt Options) (string, error) {
	if len(opt.Src) > 0 {
		b, err := os.ReadFile(opt.Src)
		return string(b), err
	}

	c := make(chan string)
	cerr := make(chan error)

	// Concurrently wait for input on stdin.
	go func(c chan string, cerr chan error) {
		defer close(c)
		defer close(cerr)
		reader := bufio.NewReader(os.Stdin)
		text, err := reader.ReadString(0)
		if err == nil || (errors.Is(err, io.EOF) && len(text) > 0) {
			c <- text
		} else {
			cerr <- err
		}
	}(c, cerr)

	select {
	case <-time.After(500 * time.Millisecond):
		return "", errors.New("expected input from stdin, got none")
	case s := <-c:
		return s, nil
	case err := <-cerr:
		return "", err
	}
}

// WriteImage writes the packed binary image to the output file named by
// opt, or to stdout when no output path was given.
func WriteImage(opt Options, image []byte) error {
	if len(opt.Out) == 0 {
		_, err := os.Stdout.Write(image)
		return err
	}
	f, err := os.OpenFile(opt.Out, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)
	w := bufio.NewWriter(f)
	if _, err := w.Write(image); err != nil {
		return err
	}
	return w.Flush()
}
