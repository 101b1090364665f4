package transport

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/reporthub/reporthub/pkg/engine"
	"github.com/reporthub/reporthub/pkg/models"
)

// Kind is the TransportConfig kind this driver serves.
const Kind = "SFTP"

const dialTimeout = 30 * time.Second

// SFTP delivers report bodies as files over SFTP. Delivery is file-level:
// either the whole body lands or nothing does, so a failure reports every
// attempted item as still outstanding.
type SFTP struct {
	logger engine.Logger
}

func NewSFTP(logger engine.Logger) *SFTP {
	return &SFTP{logger: logger}
}

func (t *SFTP) Send(ctx context.Context, receiver models.Receiver, cfg models.TransportConfig,
	body []byte, reportID uuid.UUID, items []int,
) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, port)
	sshConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}
	conn, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	defer conn.Close()

	client, err := sftp.NewClient(conn)
	if err != nil {
		return nil, errors.Wrapf(err, "sftp session on %s", addr)
	}
	defer client.Close()

	name := path.Join(cfg.Path, fmt.Sprintf("%s.%s", reportID, receiver.Format.Ext()))
	file, err := client.Create(name)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s on %s", name, addr)
	}
	if _, err := file.Write(body); err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "write %s on %s", name, addr)
	}
	if err := file.Close(); err != nil {
		return nil, errors.Wrapf(err, "close %s on %s", name, addr)
	}
	t.logger.Infof("Delivered %s to %s as %s", reportID, addr, name)
	return nil, nil
}
