// Package modemhttp performs HTTP(S) exchanges through a cellular modem's
// command channel. The modem is the HTTP engine; this layer shuttles the
// request, waits for the method's status trailer, and streams the response
// body out of the shared receive ring buffer in bounded chunks.
//
// Quick start:
//
//	reg := ltem.NewStreamRegistry()
//	ch := atcmd.New(port)
//	ch.Start()
//	x, err := modemhttp.NewExchange(reg, ch, 1, func(cntxt ltem.DataContext, data []byte, final bool) {
//	    os.Stdout.Write(data)
//	})
//	if err != nil { log.Fatal(err) }
//	if err := x.SetConnection("https://api.example.com", 0); err != nil { log.Fatal(err) }
//	if status, err := x.Get("/v1/things", false); err != nil { log.Fatal(status, err) }
//	if _, err := x.ReadPage(); err != nil { log.Fatal(err) }
//
// One exchange is bound to one data context and reused across requests.
// All calls are synchronous; at most one exchange may use the command
// channel at a time, enforced by the channel's exclusive lock.
package modemhttp
