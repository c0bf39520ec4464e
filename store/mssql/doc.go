// Package mssql implements sbqueue.Store on SQL Server Service Broker.
//
// Every send opens a new dialog from the initiator service to the target
// service and sends one message on it. Receives pop one message at a time
// from the target queue. Both run inside database/sql transactions, so a
// rolled back receive puts the message back on the queue.
package mssql
