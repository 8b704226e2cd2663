package slasherkv

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "slasherkv")
