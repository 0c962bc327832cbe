// Package mqttclient is an MQTT 3.1.1 and 5.0 client engine focused on the
// outgoing publish path.
//
// The client owns one connection loop per broker connection. All packet
// identifier bookkeeping, the table of unacknowledged exchanges and the
// writes to the network happen on that loop; producers and consumers talk to
// it by enqueuing work.
//
// # Publishing
//
// A single message can be published synchronously:
//
//	client, err := mqttclient.Dial("tcp://localhost:1883",
//	    mqttclient.WithClientID("sensor-1"),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	res, err := client.Publish(ctx, &mqttclient.Message{
//	    Topic:   "sensors/temperature",
//	    Payload: []byte("21.5"),
//	    QoS:     mqttclient.QoS1,
//	})
//
// Streams of messages are published through an AckFlow. The flow pulls
// messages from a PublishSource, shares the broker's Receive Maximum with
// every other flow of the client, and delivers one PublishResult per message
// in submission order, honouring the demand granted with Request:
//
//	flow, err := client.PublishFlow(mqttclient.ChannelSource(messages),
//	    mqttclient.ResultHandlerFuncs{
//	        Result: func(r *mqttclient.PublishResult) { ... },
//	        Error:  func(err error) { ... },
//	    },
//	    mqttclient.WithDemand(0),
//	)
//	flow.Request(100)
//
// # Transports
//
// Server addresses are URLs. Supported schemes are tcp and mqtt, tls, ssl and
// mqtts, ws and wss, quic, and unix. HTTP CONNECT and SOCKS5 proxies can be
// configured with WithProxy or WithProxyFromEnvironment.
//
// # Wire codec
//
// ReadPacket and WritePacket encode the packets used by the client for
// either protocol version:
//
//	pkt, n, err := mqttclient.ReadPacket(conn, mqttclient.ProtocolV5, maxPacketSize)
//	n, err := mqttclient.WritePacket(conn, pkt, mqttclient.ProtocolV311, 0)
package mqttclient
