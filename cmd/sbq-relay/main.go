// Command sbq-relay forwards messages from a SQL Server Service Broker queue
// to NATS or Kafka.
package main

func main() {
	Execute()
}
