package mssql

import "fmt"

const (
	messageTypeEndDialog   = "http://schemas.microsoft.com/SQL/ServiceBroker/EndDialog"
	messageTypeError       = "http://schemas.microsoft.com/SQL/ServiceBroker/Error"
	messageTypeDialogTimer = "http://schemas.microsoft.com/SQL/ServiceBroker/DialogTimer"
)

type statements struct {
	send        string
	receive     string
	receiveWait string
	end         string
	count       string
}

func newStatements(c Config) statements {
	queue := quoteName(c.Schema) + "." + quoteName(c.Queue)
	receive := fmt.Sprintf(`RECEIVE TOP(1)
		conversation_handle,
		message_type_name,
		message_sequence_number,
		service_name,
		service_contract_name,
		CAST(message_body AS NVARCHAR(MAX)) AS message_body
	FROM %s`, queue)

	return statements{
		send: fmt.Sprintf(`
	DECLARE @dialog_handle UNIQUEIDENTIFIER;
	BEGIN DIALOG @dialog_handle
		FROM SERVICE %s
		TO SERVICE %s
		ON CONTRACT %s
		WITH ENCRYPTION = OFF;
	SEND ON CONVERSATION @dialog_handle MESSAGE TYPE %s (@message);
	SELECT @dialog_handle;
	`,
			quoteName(c.InitiatorService),
			quoteString(c.TargetService),
			quoteName(c.Contract),
			quoteName(c.MessageType),
		),
		receive:     receive + ";",
		receiveWait: fmt.Sprintf("WAITFOR (\n\t%s\n), TIMEOUT @timeout;", receive),
		end:         `END CONVERSATION @handle;`,
		count:       fmt.Sprintf(`SELECT COUNT(*) FROM %s;`, queue),
	}
}

type provisionStep struct {
	object string
	check  string
	args   []any
	ddl    string
}

func provisionSteps(c Config) []provisionStep {
	var (
		initiatorQueue = quoteName(c.Schema) + "." + quoteName(c.InitiatorQueue)
		targetQueue    = quoteName(c.Schema) + "." + quoteName(c.Queue)
		queueCheck     = `SELECT 1 FROM sys.service_queues WHERE name = @p1 AND schema_id = SCHEMA_ID(@p2)`
	)

	return []provisionStep{
		{
			object: "schema",
			check:  `SELECT 1 FROM sys.schemas WHERE name = @p1`,
			args:   []any{c.Schema},
			ddl:    fmt.Sprintf(`CREATE SCHEMA %s`, quoteName(c.Schema)),
		},
		{
			object: "message type",
			check:  `SELECT 1 FROM sys.service_message_types WHERE name = @p1`,
			args:   []any{c.MessageType},
			ddl:    fmt.Sprintf(`CREATE MESSAGE TYPE %s VALIDATION = NONE`, quoteName(c.MessageType)),
		},
		{
			object: "contract",
			check:  `SELECT 1 FROM sys.service_contracts WHERE name = @p1`,
			args:   []any{c.Contract},
			ddl: fmt.Sprintf(`CREATE CONTRACT %s (%s SENT BY INITIATOR)`,
				quoteName(c.Contract), quoteName(c.MessageType)),
		},
		{
			object: "initiator queue",
			check:  queueCheck,
			args:   []any{c.InitiatorQueue, c.Schema},
			ddl:    fmt.Sprintf(`CREATE QUEUE %s`, initiatorQueue),
		},
		{
			object: "target queue",
			check:  queueCheck,
			args:   []any{c.Queue, c.Schema},
			ddl:    fmt.Sprintf(`CREATE QUEUE %s`, targetQueue),
		},
		{
			object: "initiator service",
			check:  `SELECT 1 FROM sys.services WHERE name = @p1`,
			args:   []any{c.InitiatorService},
			ddl:    fmt.Sprintf(`CREATE SERVICE %s ON QUEUE %s`, quoteName(c.InitiatorService), initiatorQueue),
		},
		{
			object: "target service",
			check:  `SELECT 1 FROM sys.services WHERE name = @p1`,
			args:   []any{c.TargetService},
			ddl: fmt.Sprintf(`CREATE SERVICE %s ON QUEUE %s (%s)`,
				quoteName(c.TargetService), targetQueue, quoteName(c.Contract)),
		},
	}
}

// statement renders the step as a single idempotent batch. The DDL runs
// through EXEC so it is compiled only when the object is missing.
func (p provisionStep) statement() string {
	return fmt.Sprintf("IF NOT EXISTS (%s)\n\tEXEC (%s);", p.check, quoteString(p.ddl))
}

const enableBrokerStatement = `
IF EXISTS (SELECT 1 FROM sys.databases WHERE database_id = DB_ID() AND is_broker_enabled = 0)
	EXEC (N'ALTER DATABASE CURRENT SET ENABLE_BROKER WITH ROLLBACK IMMEDIATE');
`
