package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"sonekEtcd/client"
)

// Puts ten values under "foo" while watching it, against a server started
// with `sonek serve`.
func main() {
	s, err := client.New(client.Config{
		Endpoint:    "http://127.0.0.1:2379",
		DialTimeout: 20 * time.Second,
	})
	if err != nil {
		log.Println(err)
		return
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := s.Watch(ctx, "foo")
	if err != nil {
		log.Println(err)
		return
	}
	defer w.Close()
	if _, err = w.Recv(); err != nil {
		log.Println(err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r := s.Range("foo")
		for i := 0; i < 10; i++ {
			if err := r.Put(ctx, fmt.Sprintf("test--%d", i)); err != nil {
				log.Println(err)
				return
			}
		}
		log.Println("put success")
	}()

	for seen := 0; seen < 10; {
		resp, err := w.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Println(err)
			break
		}
		for _, ev := range resp.Events {
			log.Printf("response %s %q = %q (rev %d)", ev.Type, ev.Kv.Key, ev.Kv.Value, ev.Kv.ModRevision)
			seen++
		}
	}

	wg.Wait()
}
