// Package ipc implements the packet routing broker.
//
// A process registers under its identity and receives a Session backed by a
// port with one inbound and one outbound queue. Write places an encoded
// packet on the outbound queue and hands it to the relay engine, which
// delivers it to the inbound queue of the destination identity or drops it
// if nobody is registered under that identity. Readers bind a notification
// signal, wait on it, and then Read; an undersized buffer is answered with
// the required size and the packet stays queued.
//
// Example usage:
//
//	broker, err := ipc.New(cfg.Relay, log)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer broker.Close()
//
//	s, err := broker.Register(types.Identity(os.Getpid()))
//	ev := notify.NewEvent()
//	_ = broker.SetNotification(s, ev)
//
//	_ = broker.Write(s, packet.New(s.Identity, dest, 1, true, payload).Encode())
//
//	_ = ev.Wait(ctx)
//	res, err := broker.Read(s, buf)
package ipc
