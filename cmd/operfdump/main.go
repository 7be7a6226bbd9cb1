// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command operfdump prints the raw contents of a sample stream: the
// event attribute table from its header, followed by every record in
// the order it appears in the stream.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/openperf/operf/stream"
)

func main() {
	flagInput := flag.String("i", "operf.data", "input sample-stream `file`")
	flag.Parse()
	if flag.NArg() > 0 {
		flag.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*flagInput)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	rd, err := stream.Open(f)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("version: %d\n", rd.Header.Version)
	fmt.Printf("events:\n")
	for _, e := range rd.Header.Attrs {
		fmt.Printf("  [%d] %s type=%d config=%#x period=%d format=%#x\n",
			e.Index, e.Name, e.Type, e.Config, e.Period, e.Format)
	}

	for {
		rec, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("%T %+v\n", rec, rec)
	}
}
